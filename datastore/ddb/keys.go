/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

const (
	// EntityTypeMembership tags membership items in the shared table.
	EntityTypeMembership = "Membership"
	// EntityTypeSlot tags the exclusivity slot items of single collections.
	EntityTypeSlot = "MembershipSlot"

	// GSI1 indexes memberships by person.
	GSI1 = "GSI1"
)

// membershipIndexMap lays a membership out under its target partition, with
// GSI1 keyed by the person.
var membershipIndexMap = map[string]string{
	"PK":  "TARGET#{TargetType}#{TargetID}",
	"SK":  "MEMBER#{Collection}#{PersonType}#{PersonID}",
	"PK1": "PERSON#{PersonType}#{PersonID}",
	"SK1": "TARGET#{TargetType}#{TargetID}#{Collection}",
}

// slotIndexMap places the slot of a single collection next to its members.
var slotIndexMap = map[string]string{
	"PK": "TARGET#{TargetType}#{TargetID}",
	"SK": "SLOT#{Collection}",
}

var macroPattern = regexp.MustCompile(`{([^}]+)}`)

// keyFields carries the identity columns macros are expanded from.
type keyFields struct {
	PersonType string
	PersonID   string
	TargetType string
	TargetID   string
	Collection string
}

// fieldsOf rejects names containing the separator, which would let two
// identities expand to the same key.
func fieldsOf(k storagemodels.Key) (keyFields, error) {
	for _, name := range []struct{ field, value string }{
		{"person.type", k.Person.Type},
		{"target.type", k.Target.Type},
		{"collection", k.Collection},
	} {
		if err := storagemodels.ValidateName(name.field, name.value); err != nil {
			return keyFields{}, err
		}
	}
	return keyFields{
		PersonType: k.Person.Type,
		PersonID:   k.Person.ID,
		TargetType: k.Target.Type,
		TargetID:   k.Target.ID,
		Collection: k.Collection,
	}, nil
}

func expandMacros(indexMap map[string]string, keysInput any) (map[string]string, error) {
	av, err := attributevalue.MarshalMap(keysInput)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal keysInput")
	}

	res := make(map[string]string, len(indexMap))
	for fieldName, template := range indexMap {
		res[fieldName] = macroPattern.ReplaceAllStringFunc(template, func(macro string) string {
			val, ok := av[strings.Trim(macro, "{}")]
			if !ok {
				return ""
			}
			switch tv := val.(type) {
			case *types.AttributeValueMemberS:
				return tv.Value
			case *types.AttributeValueMemberN:
				return tv.Value
			case *types.AttributeValueMemberBOOL:
				return fmt.Sprintf("%v", tv.Value)
			default:
				return ""
			}
		})
	}
	return res, nil
}

// primaryKey builds the PK/SK key of the item described by indexMap.
func primaryKey(indexMap map[string]string, keysInput any) (map[string]types.AttributeValue, error) {
	expanded, err := expandMacros(indexMap, keysInput)
	if err != nil {
		return nil, err
	}
	pk, sk := expanded["PK"], expanded["SK"]
	if pk == "" || sk == "" {
		return nil, errors.New("missing PK or SK in expanded indexMap")
	}
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}, nil
}

func memberKey(k storagemodels.Key) (map[string]types.AttributeValue, error) {
	fields, err := fieldsOf(k)
	if err != nil {
		return nil, err
	}
	return primaryKey(membershipIndexMap, fields)
}

func slotKey(k storagemodels.Key) (map[string]types.AttributeValue, error) {
	fields, err := fieldsOf(k)
	if err != nil {
		return nil, err
	}
	return primaryKey(slotIndexMap, fields)
}

// item is the stored form of a membership. Instants are unix microseconds;
// ExpiresAt is absent for memberships that never expire.
type item struct {
	PK         string
	SK         string
	PK1        string
	SK1        string
	EntityType string
	ID         string
	PersonType string
	PersonID   string
	TargetType string
	TargetID   string
	Collection string
	ExpiresAt  *int64 `dynamodbav:",omitempty"`
	CreatedAt  int64
	UpdatedAt  int64
}

// slotItem records which membership holds a single collection.
type slotItem struct {
	PK         string
	SK         string
	EntityType string
	Holder     string
	HolderID   string
	Version    int64
}

func toMicros(t time.Time) int64 {
	return storagemodels.Normalize(t).UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func newItem(a *storagemodels.Association) (*item, error) {
	fields, err := fieldsOf(a.Key())
	if err != nil {
		return nil, err
	}
	expanded, err := expandMacros(membershipIndexMap, fields)
	if err != nil {
		return nil, err
	}
	it := &item{
		PK:         expanded["PK"],
		SK:         expanded["SK"],
		PK1:        expanded["PK1"],
		SK1:        expanded["SK1"],
		EntityType: EntityTypeMembership,
		ID:         a.ID,
		PersonType: a.Person.Type,
		PersonID:   a.Person.ID,
		TargetType: a.Target.Type,
		TargetID:   a.Target.ID,
		Collection: a.Collection,
		CreatedAt:  toMicros(a.CreatedAt),
		UpdatedAt:  toMicros(a.UpdatedAt),
	}
	if a.ExpiresAt != nil {
		v := toMicros(*a.ExpiresAt)
		it.ExpiresAt = &v
	}
	return it, nil
}

func (it *item) association() *storagemodels.Association {
	a := &storagemodels.Association{
		ID:         it.ID,
		Person:     storagemodels.Ref{Type: it.PersonType, ID: it.PersonID},
		Target:     storagemodels.Ref{Type: it.TargetType, ID: it.TargetID},
		Collection: it.Collection,
		CreatedAt:  fromMicros(it.CreatedAt),
		UpdatedAt:  fromMicros(it.UpdatedAt),
	}
	if it.ExpiresAt != nil {
		t := fromMicros(*it.ExpiresAt)
		a.ExpiresAt = &t
	}
	return a
}

func marshalAssociation(a *storagemodels.Association) (map[string]types.AttributeValue, error) {
	it, err := newItem(a)
	if err != nil {
		return nil, err
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal membership")
	}
	return av, nil
}

func unmarshalAssociation(av map[string]types.AttributeValue) (*storagemodels.Association, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal membership")
	}
	return it.association(), nil
}

func unmarshalAssociations(avs []map[string]types.AttributeValue) ([]storagemodels.Association, error) {
	out := make([]storagemodels.Association, 0, len(avs))
	for _, av := range avs {
		a, err := unmarshalAssociation(av)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func stringValue(av map[string]types.AttributeValue, name string) string {
	if s, ok := av[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
