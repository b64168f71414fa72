/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

/*
Package registry records the membership capabilities of entity types.

Target types declare the collections they accept and whether each one is
single (one active member per target) or multiple (one active membership per
person):

	reg := registry.New()
	reg.RegisterTarget("order", map[string]registry.Mode{
	    "owner": registry.Single,
	    "tags":  registry.Multiple,
	})
	reg.RegisterPerson("user")

Types may also be declared in a YAML capability file:

	targets:
	  order:
	    owner: single
	    tags: multiple
	persons:
	  - user

Resolvers map a tagged reference back to the entity it names for eager
loading:

	reg.RegisterResolver("user", func(ctx context.Context, id string) (any, error) {
	    return users.Get(ctx, id)
	})

The registry should be populated during initialization. Registering the same
type twice panics.
*/
package registry
