// Package local implements the collaborator contract in-process, over a
// memory or SQLite store. It backs development setups and tests.
package local

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
)

type Options struct {
	JWTSecret string
	TokenTTL  time.Duration
	// Relay, when set, shares change notifications with other processes
	// using the same database.
	Relay  Relay
	Logger *slog.Logger
}

// Provider hands out per-browser clients over one shared store and hub.
type Provider struct {
	store  Store
	tokens *Tokens
	hub    *Hub
	relay  Relay
	logger *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(store Store, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		store:  store,
		tokens: NewTokens(opts.JWTSecret, opts.TokenTTL),
		hub:    NewHub(logger),
		relay:  opts.Relay,
		logger: logger,
		cancel: cancel,
	}

	if p.relay != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.relay.Run(ctx, p.hub.Publish); err != nil && ctx.Err() == nil {
				p.logger.Error("Change relay stopped", "error", err)
			}
		}()
	}
	return p
}

func (p *Provider) NewClient() backend.Client {
	auth := newAuthClient(p.store, p.tokens)
	return backend.Client{
		Auth: auth,
		Data: &dataClient{p: p, auth: auth},
	}
}

// Hub exposes the change hub, mainly for tests.
func (p *Provider) Hub() *Hub { return p.hub }

func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		p.hub.Close()
		if p.relay != nil {
			if rerr := p.relay.Close(); rerr != nil {
				p.logger.Warn("Failed to close change relay", "error", rerr)
			}
		}
		p.wg.Wait()
		err = p.store.Close()
	})
	return err
}

func (p *Provider) publish(ctx context.Context, table string, t backend.EventType, ids []string) {
	for _, id := range ids {
		c := backend.Change{Table: table, Type: t, ID: id}
		p.hub.Publish(c)
		if p.relay != nil {
			if err := p.relay.Publish(ctx, c); err != nil {
				p.logger.WarnContext(ctx, "Failed to relay change", "error", err, "table", table, "type", t, "id", id)
			}
		}
	}
}

type dataClient struct {
	p    *Provider
	auth *authClient
}

func (d *dataClient) Select(ctx context.Context, table string, match backend.Match, order backend.Order) ([]core.Record, error) {
	if _, err := d.auth.current(ctx); err != nil {
		return nil, err
	}
	return d.p.store.ListRecords(ctx, table, match, order)
}

func (d *dataClient) Insert(ctx context.Context, table string, rows []core.Draft) error {
	if _, err := d.auth.current(ctx); err != nil {
		return err
	}
	ids, err := d.p.store.InsertRecords(ctx, table, rows)
	if err != nil {
		return err
	}
	d.p.publish(ctx, table, backend.EventInsert, ids)
	return nil
}

func (d *dataClient) Update(ctx context.Context, table string, patch core.Draft, match backend.Match) error {
	if _, err := d.auth.current(ctx); err != nil {
		return err
	}
	ids, err := d.p.store.UpdateRecords(ctx, table, patch, match)
	if err != nil {
		return err
	}
	d.p.publish(ctx, table, backend.EventUpdate, ids)
	return nil
}

func (d *dataClient) Delete(ctx context.Context, table string, match backend.Match) error {
	if _, err := d.auth.current(ctx); err != nil {
		return err
	}
	ids, err := d.p.store.DeleteRecords(ctx, table, match)
	if err != nil {
		return err
	}
	d.p.publish(ctx, table, backend.EventDelete, ids)
	return nil
}

func (d *dataClient) SubscribeToChanges(ctx context.Context, table string, events []backend.EventType, cb func(backend.Change)) (backend.Subscription, error) {
	if _, err := d.auth.current(ctx); err != nil {
		return nil, err
	}
	return d.p.hub.Subscribe(table, events, cb), nil
}
