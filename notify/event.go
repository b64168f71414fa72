/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package notify

import (
	"context"
	"time"

	"github.com/suparena/membership/storagemodels"
)

// Kind identifies a membership lifecycle transition.
type Kind string

const (
	Created       Kind = "created"
	Revoked       Kind = "revoked"
	Renewed       Kind = "renewed"
	ExpiryUpdated Kind = "expiry_updated"
	Expired       Kind = "expired"
)

// Kinds lists every event kind in lifecycle order.
var Kinds = []Kind{Created, Revoked, Renewed, ExpiryUpdated, Expired}

// Event announces a committed mutation. Association is a snapshot taken at
// the time of the mutation; for Revoked and Expired it is the record as it
// was before deletion.
type Event struct {
	Kind        Kind                      `json:"kind"`
	Association storagemodels.Association `json:"association"`
	At          time.Time                 `json:"at"`
}

// Notifier receives lifecycle events. Publish returns once every subscriber
// has been called; subscriber failures never reach the publisher.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// Handler is a subscriber callback.
type Handler func(ctx context.Context, event Event) error

type nop struct{}

func (nop) Publish(context.Context, Event) {}

// Nop returns a Notifier that drops every event.
func Nop() Notifier { return nop{} }
