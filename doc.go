/*
Package membership manages typed, expiring associations between persons and
targets.

A target type declares the collections it accepts and whether each holds at
most one active member (single) or one active membership per person
(multiple). Memberships optionally expire; expired ones stay inspectable
until the sweeper removes them.

Key Features:
  - Exclusivity enforced atomically by every backend (memory, SQLite,
    Postgres, DynamoDB)
  - Renewal and administrative expiry overrides
  - Lifecycle events delivered synchronously through notify.Bus
  - Paginated, sortable listings with an optional read cache
  - Typed errors distinguishable with errors.Is

Basic Usage:

	reg := registry.New()
	reg.RegisterTarget("club", map[string]registry.Mode{
	    "owner":   registry.Single,
	    "members": registry.Multiple,
	})
	reg.RegisterPerson("user")

	bus := notify.NewBus(nil)
	store := membership.New(mock.New(), reg, membership.WithNotifier(bus))

	alice := storagemodels.Ref{Type: "user", ID: "alice"}
	club := storagemodels.Ref{Type: "club", ID: "c1"}
	_, err := store.Create(ctx, alice, club, "owner", nil)
	if errors.IsAlreadyMember(err) {
	    // the club already has an owner
	}

Expired memberships are removed by sweeper.Sweeper.
*/
package membership
