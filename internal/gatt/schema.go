package gatt

import (
	"context"
	"fmt"
)

// Schema declares the GATT shape an application expects from a device.
// It is built once, before any connection attempt, and must be treated as
// immutable afterwards: discovery walks it on every (re)connection.
//
// Nodes marked Optional are silently skipped when the physical device does
// not expose them; required nodes that cannot be resolved make the
// discovery attempt incomplete (fatal under the strict matching policy).
type Schema struct {
	Services []*ServiceSchema
}

// ServiceSchema declares one expected GATT service.
type ServiceSchema struct {
	UUID     string
	ID       string // stable identifier for programmatic access, may be empty
	Name     string // human-readable, falls back to the assigned-numbers DB
	Optional bool

	Characteristics []*CharacteristicSchema

	// Ready is invoked after the service and its whole subtree have been
	// resolved and subscribed, children first.
	Ready func(ctx context.Context, svc *Service) error

	generic bool // set on synthetic nodes created by extensive discovery
}

// CharacteristicSchema declares one expected GATT characteristic.
type CharacteristicSchema struct {
	UUID     string
	ID       string
	Name     string
	Optional bool

	// Properties are the expected capability flags. A mismatch against the
	// physically discovered flags is logged as a warning, not fatal.
	Properties Properties

	Descriptors []*DescriptorSchema

	Ready func(ctx context.Context, chr *Characteristic) error

	generic bool
}

// DescriptorSchema declares one expected GATT descriptor.
type DescriptorSchema struct {
	UUID     string
	ID       string
	Name     string
	Optional bool

	Ready func(ctx context.Context, d *Descriptor) error

	generic bool
}

// validate checks the schema shape. Called at device construction; a
// violation is a construction error.
func (s *Schema) validate() error {
	if s == nil {
		return nil
	}

	ids := make(map[string]string) // id -> uuid, for duplicate reporting

	claim := func(id, uuid, node string) error {
		if id == "" {
			return nil
		}
		if prev, ok := ids[id]; ok {
			return errf(KindConstruction, "duplicate schema identifier %q (%s %s and %s)", id, node, uuid, prev)
		}
		ids[id] = uuid
		return nil
	}

	for _, svc := range s.Services {
		if svc == nil {
			return errf(KindConstruction, "schema contains a nil service node")
		}
		if svc.UUID == "" {
			return errf(KindConstruction, "service schema node has an empty UUID")
		}
		if err := claim(svc.ID, svc.UUID, "service"); err != nil {
			return err
		}

		for _, chr := range svc.Characteristics {
			if chr == nil {
				return errf(KindConstruction, "service %q contains a nil characteristic node", svc.UUID)
			}
			if chr.UUID == "" {
				return errf(KindConstruction, "characteristic schema node in service %q has an empty UUID", svc.UUID)
			}
			if err := claim(chr.ID, chr.UUID, "characteristic"); err != nil {
				return err
			}

			for _, d := range chr.Descriptors {
				if d == nil {
					return errf(KindConstruction, "characteristic %q contains a nil descriptor node", chr.UUID)
				}
				if d.UUID == "" {
					return errf(KindConstruction, "descriptor schema node in characteristic %q has an empty UUID", chr.UUID)
				}
				if err := claim(d.ID, d.UUID, "descriptor"); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// displayName resolves the human-readable name of a node: the declared
// name, then the assigned-numbers DB, then the UUID itself.
func displayName(declared, uuid string, lookup func(string) string) string {
	if declared != "" {
		return declared
	}
	if known := lookup(uuid); known != "" {
		return known
	}
	return uuid
}

// Synthetic schema nodes for endpoints found by extensive discovery that
// the application did not declare. They carry no identifier and no
// readiness hook.

func genericServiceSchema(uuid string) *ServiceSchema {
	return &ServiceSchema{
		UUID:    uuid,
		generic: true,
	}
}

func genericCharacteristicSchema(uuid string, props Properties) *CharacteristicSchema {
	return &CharacteristicSchema{
		UUID:       uuid,
		Properties: props,
		generic:    true,
	}
}

func genericDescriptorSchema(uuid string) *DescriptorSchema {
	return &DescriptorSchema{
		UUID:    uuid,
		generic: true,
	}
}

func (s *ServiceSchema) String() string {
	return fmt.Sprintf("service %s (optional=%v)", s.UUID, s.Optional)
}

func (c *CharacteristicSchema) String() string {
	return fmt.Sprintf("characteristic %s (optional=%v, props=%s)", c.UUID, c.Optional, c.Properties)
}
