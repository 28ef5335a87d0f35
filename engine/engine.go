package engine

// Options configures New. Zero values fall back to defaults.
type Options struct {
	Clock        Clock
	Identity     Identity
	Catalog      Catalog
	Notifier     Notifier
	Windows      Windows
	ValidityDays int
	MaxRetries   int
}

// Engine wires the services over one Store.
type Engine struct {
	Store     Store
	Clock     Clock
	Notifier  Notifier
	Ledger    *Ledger
	Packages  *Packages
	Approvals *Approvals
	Gate      *Gate
	Payments  *Payments
}

func New(store Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Identity == nil {
		opts.Identity = StoreIdentity{Store: store}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Windows == (Windows{}) {
		opts.Windows = DefaultWindows()
	}

	ledger := NewLedger(store, opts.Clock)
	if opts.MaxRetries > 0 {
		ledger.MaxRetries = opts.MaxRetries
	}
	approvals := &Approvals{Store: store, Clock: opts.Clock, Notifier: opts.Notifier, MaxRetries: ledger.MaxRetries}
	packages := &Packages{Store: store, Clock: opts.Clock, Approvals: approvals}

	return &Engine{
		Store:     store,
		Clock:     opts.Clock,
		Notifier:  opts.Notifier,
		Ledger:    ledger,
		Packages:  packages,
		Approvals: approvals,
		Gate: &Gate{
			Store:     store,
			Ledger:    ledger,
			Packages:  packages,
			Approvals: approvals,
			Identity:  opts.Identity,
			Catalog:   opts.Catalog,
			Clock:     opts.Clock,
			Windows:   opts.Windows,
		},
		Payments: &Payments{Store: store, Ledger: ledger, Clock: opts.Clock, ValidityDays: opts.ValidityDays},
	}
}
