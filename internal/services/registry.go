package services

import (
	"github.com/fyrsmithlabs/workspaced/internal/dispatch"
	"github.com/fyrsmithlabs/workspaced/internal/guard"
	"github.com/fyrsmithlabs/workspaced/internal/ledger"
	"github.com/fyrsmithlabs/workspaced/internal/quality"
	"github.com/fyrsmithlabs/workspaced/internal/recovery"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
	"github.com/fyrsmithlabs/workspaced/internal/trigger"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

// Registry provides access to all workspaced services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Store() *store.Store
	Machine() *workspace.Machine
	Accountant() *ledger.Accountant
	Guard() *guard.Guard
	Trigger() *trigger.Engine
	Scorer() quality.Scorer
	Generator() synthesis.Generator
	Dispatcher() *dispatch.Dispatcher
	Recovery() *recovery.Monitor
}

// Options configures the registry with service instances.
type Options struct {
	Store      *store.Store
	Machine    *workspace.Machine
	Accountant *ledger.Accountant
	Guard      *guard.Guard
	Trigger    *trigger.Engine
	Scorer     quality.Scorer
	Generator  synthesis.Generator
	Dispatcher *dispatch.Dispatcher
	Recovery   *recovery.Monitor
}

// registry is the concrete implementation of Registry.
type registry struct {
	store      *store.Store
	machine    *workspace.Machine
	accountant *ledger.Accountant
	guard      *guard.Guard
	trigger    *trigger.Engine
	scorer     quality.Scorer
	generator  synthesis.Generator
	dispatcher *dispatch.Dispatcher
	recovery   *recovery.Monitor
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		store:      opts.Store,
		machine:    opts.Machine,
		accountant: opts.Accountant,
		guard:      opts.Guard,
		trigger:    opts.Trigger,
		scorer:     opts.Scorer,
		generator:  opts.Generator,
		dispatcher: opts.Dispatcher,
		recovery:   opts.Recovery,
	}
}

func (r *registry) Store() *store.Store             { return r.store }
func (r *registry) Machine() *workspace.Machine     { return r.machine }
func (r *registry) Accountant() *ledger.Accountant  { return r.accountant }
func (r *registry) Guard() *guard.Guard             { return r.guard }
func (r *registry) Trigger() *trigger.Engine        { return r.trigger }
func (r *registry) Scorer() quality.Scorer          { return r.scorer }
func (r *registry) Generator() synthesis.Generator  { return r.generator }
func (r *registry) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }
func (r *registry) Recovery() *recovery.Monitor     { return r.recovery }
