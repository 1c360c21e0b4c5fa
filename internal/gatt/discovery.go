package gatt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gattkit/gattkit/pkg/config"
)

// discoverInterface resolves the declared schema against the physical
// device and builds the runtime graph. The whole procedure (schema walk,
// matching policy, extensive merge, auto-subscription, readiness hooks) is
// retried up to the configured attempt count; after the final failed
// attempt the last cause is wrapped in a fatal discovery error.
func (d *Device) discoverInterface(ctx context.Context, link Link) error {
	attempts := d.cfg.DiscoveryAttempts
	d.discoveryAttempts.Store(0)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		d.discoveryAttempts.Add(1)

		err := d.runDiscoveryPass(ctx, link)
		if err == nil {
			d.logger.WithField("attempt", attempt).Debug("Interface discovery succeeded")
			return nil
		}
		lastErr = err

		d.logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"attempts": attempts,
			"error":    err,
		}).Warn("Interface discovery attempt failed")

		if attempt < attempts {
			d.setState(StateDiscoveringInterface)
			select {
			case <-time.After(d.cfg.DiscoveryRetryDelay):
			case <-ctx.Done():
				return &Error{Kind: KindDiscovery, Msg: "interface discovery cancelled", Device: d.address, Err: ctx.Err()}
			}
		}
	}

	return &Error{
		Kind:   KindDiscovery,
		Msg:    fmt.Sprintf("interface discovery failed after %d attempts", attempts),
		Device: d.address,
		Err:    lastErr,
	}
}

// runDiscoveryPass performs one full discovery attempt. Every native
// lookup goes through the operation queue.
func (d *Device) runDiscoveryPass(ctx context.Context, link Link) error {
	d.resetGraph()

	var missing []string

	// Depth-first walk of the declared tree. A failed lookup on an
	// optional node is skipped (debug-logged only); on a required node it
	// accumulates into one aggregate decision evaluated after the walk.
	for _, svcSchema := range d.schema.Services {
		var sh *ServiceHandle
		err := d.queue.Enqueue(ctx, "discover service "+svcSchema.UUID, func(opCtx context.Context) error {
			h, ferr := link.FindService(opCtx, svcSchema.UUID)
			if ferr != nil {
				return ferr
			}
			sh = h
			return nil
		})
		if err != nil {
			if svcSchema.Optional {
				d.logger.WithFields(logrus.Fields{
					"service": svcSchema.UUID,
					"error":   err,
				}).Debug("Optional service not resolved, skipping")
				continue
			}
			missing = append(missing, "service "+svcSchema.UUID)
			continue
		}

		svc := newService(d, svcSchema, sh)
		d.addService(svc)

		for _, chrSchema := range svcSchema.Characteristics {
			if err := d.discoverCharacteristic(ctx, link, svc, chrSchema, &missing); err != nil {
				return err
			}
		}
	}

	// Aggregate decision: strict matching fails on any missing required
	// node, minimal/off tolerate incompleteness.
	if len(missing) > 0 {
		d.logger.WithFields(logrus.Fields{
			"missing": missing,
			"policy":  d.cfg.InterfaceMatching,
		}).Warn("Declared interface incompletely resolved")

		if d.cfg.Strict() {
			return &Error{
				Kind:   KindInterfaceMatching,
				Msg:    "required schema nodes missing: " + strings.Join(missing, ", "),
				Device: d.address,
			}
		}
	}

	if d.cfg.ExtensiveDiscovery {
		if err := d.mergeExtensive(ctx, link); err != nil {
			return err
		}
	}

	if err := d.autoSubscribe(ctx); err != nil {
		return err
	}

	d.setState(StateInitializing)
	return d.runReadinessHooks(ctx)
}

func (d *Device) discoverCharacteristic(ctx context.Context, link Link, svc *Service, chrSchema *CharacteristicSchema, missing *[]string) error {
	var ch *CharacteristicHandle
	err := d.queue.Enqueue(ctx, "discover characteristic "+chrSchema.UUID, func(opCtx context.Context) error {
		h, ferr := link.FindCharacteristic(opCtx, svc.handle, chrSchema.UUID)
		if ferr != nil {
			return ferr
		}
		ch = h
		return nil
	})
	if err != nil {
		if chrSchema.Optional {
			d.logger.WithFields(logrus.Fields{
				"service":        svc.uuid,
				"characteristic": chrSchema.UUID,
				"error":          err,
			}).Debug("Optional characteristic not resolved, skipping")
			return nil
		}
		*missing = append(*missing, fmt.Sprintf("characteristic %s in service %s", chrSchema.UUID, svc.uuid))
		return nil
	}

	// Capability mismatch against the declared expectation is a warning,
	// never fatal by itself.
	if chrSchema.Properties != 0 && !ch.Properties.Has(chrSchema.Properties) {
		d.logger.WithFields(logrus.Fields{
			"characteristic": chrSchema.UUID,
			"expected":       chrSchema.Properties.String(),
			"actual":         ch.Properties.String(),
		}).Warn("Characteristic capability flags do not match the declared schema")
	}

	chr := newCharacteristic(svc, chrSchema, ch)
	d.addCharacteristic(svc, chr)

	for _, descSchema := range chrSchema.Descriptors {
		if err := d.discoverDescriptor(ctx, link, chr, descSchema, missing); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) discoverDescriptor(ctx context.Context, link Link, chr *Characteristic, descSchema *DescriptorSchema, missing *[]string) error {
	cfg := d.cfg
	var desc *Descriptor

	err := d.queue.Enqueue(ctx, "discover descriptor "+descSchema.UUID, func(opCtx context.Context) error {
		h, ferr := link.FindDescriptor(opCtx, chr.handle, descSchema.UUID)
		if ferr != nil {
			return ferr
		}
		desc = newDescriptor(chr, descSchema, h)
		readDescriptorValue(opCtx, link, desc, cfg)
		return nil
	})
	if err != nil {
		if descSchema.Optional {
			d.logger.WithFields(logrus.Fields{
				"characteristic": chr.uuid,
				"descriptor":     descSchema.UUID,
				"error":          err,
			}).Debug("Optional descriptor not resolved, skipping")
			return nil
		}
		*missing = append(*missing, fmt.Sprintf("descriptor %s in characteristic %s", descSchema.UUID, chr.uuid))
		return nil
	}

	d.addDescriptor(chr, desc)
	return nil
}

// readDescriptorValue reads a descriptor value best-effort during
// discovery. Failures are recorded on the node, never escalated.
func readDescriptorValue(ctx context.Context, link Link, desc *Descriptor, cfg *config.Config) {
	if cfg.DescriptorReadTimeout <= 0 {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, cfg.DescriptorReadTimeout)
	defer cancel()

	value, err := link.ReadDescriptor(readCtx, desc.handle)
	desc.setValue(value, err)
}

// mergeExtensive enumerates the whole device and merges endpoints the
// schema did not declare as generically-typed nodes, deduplicated by UUID.
// Previously resolved typed nodes are preserved.
func (d *Device) mergeExtensive(ctx context.Context, link Link) error {
	var profile *Profile
	err := d.queue.Enqueue(ctx, "enumerate profile", func(opCtx context.Context) error {
		p, ferr := link.Enumerate(opCtx)
		if ferr != nil {
			return ferr
		}
		profile = p
		return nil
	})
	if err != nil {
		return err
	}

	merged := 0
	for i := range profile.Services {
		ps := &profile.Services[i]
		svcUUID := NormalizeUUID(ps.Service.UUID)

		d.mu.RLock()
		svc, ok := d.services.Get(svcUUID)
		d.mu.RUnlock()
		if !ok {
			handle := ps.Service
			svc = newService(d, genericServiceSchema(svcUUID), &handle)
			d.addService(svc)
			merged++
		}

		for j := range ps.Characteristics {
			pc := &ps.Characteristics[j]
			chrUUID := NormalizeUUID(pc.Characteristic.UUID)

			chr, ok := svc.chars.Get(chrUUID)
			if !ok {
				handle := pc.Characteristic
				chr = newCharacteristic(svc, genericCharacteristicSchema(chrUUID, handle.Properties), &handle)
				d.addCharacteristic(svc, chr)
				merged++
			}

			for k := range pc.Descriptors {
				descUUID := NormalizeUUID(pc.Descriptors[k].UUID)
				if _, ok := chr.descs.Get(descUUID); ok {
					continue
				}
				handle := pc.Descriptors[k]
				d.addDescriptor(chr, newDescriptor(chr, genericDescriptorSchema(descUUID), &handle))
				merged++
			}
		}
	}

	d.logger.WithField("merged", merged).Debug("Extensive discovery merged undeclared endpoints")
	return nil
}

// autoSubscribe enables notifications on notify-capable characteristics
// according to the configured policy.
func (d *Device) autoSubscribe(ctx context.Context) error {
	if d.cfg.AutoSubscribe == config.SubscribeNone {
		return nil
	}

	allowed := make(map[string]bool, len(d.cfg.AutoSubscribeIDs))
	for _, id := range d.cfg.AutoSubscribeIDs {
		allowed[id] = true
	}

	var failures []string
	for _, svc := range d.Services() {
		for _, chr := range svc.Characteristics() {
			if !chr.props.Notifiable() {
				continue
			}
			if d.cfg.AutoSubscribe == config.SubscribeList && !allowed[chr.ID()] {
				continue
			}

			if err := chr.EnableNotifications(ctx); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", chr.uuid, err))
				d.logger.WithFields(logrus.Fields{
					"characteristic": chr.uuid,
					"error":          err,
				}).Error("Failed to auto-subscribe to characteristic")
				continue
			}
			d.logger.WithField("characteristic", chr.uuid).Debug("Auto-subscribed to characteristic")
		}
	}

	if len(failures) > 0 {
		return errf(KindDiscovery, "auto-subscription failures - %s", strings.Join(failures, "; "))
	}
	return nil
}

// runReadinessHooks invokes the declared readiness hooks bottom-up: all
// descriptors of a characteristic, then the characteristic, then the
// owning service. Each hook is awaited before the next runs.
func (d *Device) runReadinessHooks(ctx context.Context) error {
	for _, svc := range d.Services() {
		for _, chr := range svc.Characteristics() {
			for _, desc := range chr.Descriptors() {
				if desc.schema.Ready == nil {
					continue
				}
				if err := desc.schema.Ready(ctx, desc); err != nil {
					return fmt.Errorf("descriptor %s readiness hook failed: %w", desc.uuid, err)
				}
			}
			if chr.schema.Ready != nil {
				if err := chr.schema.Ready(ctx, chr); err != nil {
					return fmt.Errorf("characteristic %s readiness hook failed: %w", chr.uuid, err)
				}
			}
		}
		if svc.schema.Ready != nil {
			if err := svc.schema.Ready(ctx, svc); err != nil {
				return fmt.Errorf("service %s readiness hook failed: %w", svc.uuid, err)
			}
		}
	}
	return nil
}

func (d *Device) addService(svc *Service) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.services.Set(svc.uuid, svc)
	if svc.schema.ID != "" {
		d.byID[svc.schema.ID] = svc
	}
}

func (d *Device) addCharacteristic(svc *Service, chr *Characteristic) {
	d.mu.Lock()
	defer d.mu.Unlock()

	svc.chars.Set(chr.uuid, chr)
	if chr.schema.ID != "" {
		d.byID[chr.schema.ID] = chr
	}
}

func (d *Device) addDescriptor(chr *Characteristic, desc *Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	chr.descs.Set(desc.uuid, desc)
	if desc.schema.ID != "" {
		d.byID[desc.schema.ID] = desc
	}
}
