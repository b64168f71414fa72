/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package commands

import (
	"github.com/spf13/cobra"

	"github.com/suparena/membership"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

// ListCmd prints one page of memberships as JSON
var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memberships",
	Long: `List memberships matching the given filters, newest first.

Examples:
  membership list --target club:7 --collection members
  membership list --person user:42 --state expired
  membership list --sort person_id --page 2 --page-size 50 --eager`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var (
	listPerson     string
	listTarget     string
	listCollection string
	listState      string
	listSort       []string
	listPage       int
	listPageSize   int
	listEager      bool
)

func init() {
	ListCmd.Flags().StringVar(&listPerson, "person", "", "Only memberships of this person (type:id)")
	ListCmd.Flags().StringVar(&listTarget, "target", "", "Only memberships on this target (type:id)")
	ListCmd.Flags().StringVar(&listCollection, "collection", "", "Only memberships in this collection")
	ListCmd.Flags().StringVar(&listState, "state", "any", "Expiry state: any, active or expired")
	ListCmd.Flags().StringSliceVar(&listSort, "sort", nil, "Sort fields, prefix with - for descending (default -created_at)")
	ListCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	ListCmd.Flags().IntVar(&listPageSize, "page-size", 0, "Page size (default from configuration)")
	ListCmd.Flags().BoolVar(&listEager, "eager", false, "Resolve person and target data")
}

type listOutput struct {
	Items    []storagemodels.View `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	LastPage int                  `json:"last_page"`
}

func listFilter() (storagemodels.Filter, error) {
	var f storagemodels.Filter
	if listPerson != "" {
		ref, err := storagemodels.ParseRef(listPerson)
		if err != nil {
			return f, errors.Wrap(err, "person")
		}
		f.Person = &ref
	}
	if listTarget != "" {
		ref, err := storagemodels.ParseRef(listTarget)
		if err != nil {
			return f, errors.Wrap(err, "target")
		}
		f.Target = &ref
	}
	state, err := storagemodels.ParseExpiryState(listState)
	if err != nil {
		return f, err
	}
	f.Collection = listCollection
	f.State = state
	return f, nil
}

func listOptions() ([]membership.ListOption, error) {
	opts := []membership.ListOption{membership.WithPage(listPage)}
	if listPageSize > 0 {
		opts = append(opts, membership.WithPageSize(listPageSize))
	}
	for _, s := range listSort {
		sf, err := storagemodels.ParseSort(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, membership.WithSort(sf.Field, sf.Desc))
	}
	return opts, nil
}

func runList(cmd *cobra.Command, args []string) error {
	filter, err := listFilter()
	if err != nil {
		return err
	}
	opts, err := listOptions()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	page, err := a.store.Paginate(ctx, filter, opts...)
	if err != nil {
		return err
	}
	views, err := a.store.Views(ctx, page.Items, listEager)
	if err != nil {
		return err
	}
	return printView(cmd.OutOrStdout(), listOutput{
		Items:    views,
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
		LastPage: page.LastPage,
	})
}
