package manager

import (
	"context"
	"sort"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// ChannelAccessor resolves logical channel names against the current
// snapshot and moves envelopes through them. Direction matters: an
// input name only resolves against input-channels, an output name
// against output-channels, so the same name may exist on both sides
// with different bindings.
type ChannelAccessor struct {
	mgr    *Manager
	logger logging.Logger
}

// NewChannelAccessor wraps a manager with name-level resolution.
func NewChannelAccessor(mgr *Manager) *ChannelAccessor {
	return &ChannelAccessor{mgr: mgr, logger: mgr.logger.Named("channels")}
}

// Input resolves an input channel name to its binding and broker.
func (a *ChannelAccessor) Input(name string) (*brokertypes.ChannelConfig, *brokertypes.Config, error) {
	snap, err := a.snapshot()
	if err != nil {
		return nil, nil, err
	}
	ch, ok := snap.InputChannels[name]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeNotFound, "input channel %q is not declared", name)
	}
	return a.withBroker(snap, ch)
}

// Output resolves an output channel name to its binding and broker.
func (a *ChannelAccessor) Output(name string) (*brokertypes.ChannelConfig, *brokertypes.Config, error) {
	snap, err := a.snapshot()
	if err != nil {
		return nil, nil, err
	}
	ch, ok := snap.OutputChannels[name]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeNotFound, "output channel %q is not declared", name)
	}
	return a.withBroker(snap, ch)
}

// PublishTo fans env out to every destination of the output channel.
// All destinations are attempted even after one fails; the first error
// is returned.
func (a *ChannelAccessor) PublishTo(ctx context.Context, channel string, env *brokertypes.Envelope) error {
	ch, b, err := a.Output(channel)
	if err != nil {
		return err
	}
	pub, err := a.mgr.Publisher(ctx, b.BrokerID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, dest := range ch.Destinations {
		out := *env
		out.Topic = dest
		perr := pub.Publish(ctx, &out)
		a.mgr.metrics.RecordPublish(b.BrokerID, perr)
		if perr != nil {
			a.logger.Warn("channel publish failed",
				logging.String("channel", channel),
				logging.BrokerID(b.BrokerID),
				logging.Topic(dest),
				logging.Err(perr))
			if firstErr == nil {
				firstErr = perr
			}
		}
	}
	return firstErr
}

// Listen attaches fn to every destination of the input channel and
// returns one detach function covering all of them.
func (a *ChannelAccessor) Listen(ctx context.Context, channel string, fn messaging.DeliveryFunc) (func(), error) {
	ch, b, err := a.Input(channel)
	if err != nil {
		return nil, err
	}

	removes := make([]func(), 0, len(ch.Destinations))
	for _, dest := range ch.Destinations {
		remove, serr := a.mgr.Subscribe(ctx, b.BrokerID, dest, fn)
		if serr != nil {
			for _, r := range removes {
				r()
			}
			return nil, serr
		}
		removes = append(removes, remove)
	}
	return func() {
		for _, r := range removes {
			r()
		}
	}, nil
}

// ResolvedIngester is one declared ingester with its channel, broker,
// and effective property bag: broker properties, then the channel
// queue bag, then the ingester overrides, later sources winning.
type ResolvedIngester struct {
	Ingester   *brokertypes.IngesterConfig
	Channel    *brokertypes.ChannelConfig
	Broker     *brokertypes.Config
	Properties brokertypes.Properties
}

// Ingester resolves one declared ingester by name.
func (a *ChannelAccessor) Ingester(name string) (*ResolvedIngester, error) {
	snap, err := a.snapshot()
	if err != nil {
		return nil, err
	}
	ing, ok := snap.Ingesters[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "ingester %q is not declared", name)
	}
	return a.resolveIngester(snap, ing)
}

// Ingesters resolves every enabled ingester, sorted by name. Broken
// declarations are skipped with a warning so one bad file does not
// take down the rest.
func (a *ChannelAccessor) Ingesters() []*ResolvedIngester {
	snap, err := a.snapshot()
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(snap.Ingesters))
	for name := range snap.Ingesters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*ResolvedIngester, 0, len(names))
	for _, name := range names {
		ing := snap.Ingesters[name]
		if !ing.Enabled {
			continue
		}
		resolved, rerr := a.resolveIngester(snap, ing)
		if rerr != nil {
			a.logger.Warn("ingester skipped", logging.String("ingester", name), logging.Err(rerr))
			continue
		}
		out = append(out, resolved)
	}
	return out
}

func (a *ChannelAccessor) resolveIngester(snap *config.Snapshot, ing *brokertypes.IngesterConfig) (*ResolvedIngester, error) {
	ch, ok := snap.InputChannels[ing.InputChannel]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
			"ingester %q references undeclared input channel %q", ing.Name, ing.InputChannel)
	}
	b, ok := snap.Brokers[ch.Broker]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeBrokerNotFound,
			"channel %q references undeclared broker %q", ch.Name, ch.Broker)
	}
	return &ResolvedIngester{
		Ingester:   ing,
		Channel:    ch,
		Broker:     b,
		Properties: b.Properties.Merge(ch.Queue).Merge(ing.Overrides),
	}, nil
}

func (a *ChannelAccessor) snapshot() (*config.Snapshot, error) {
	snap := a.mgr.source.Snapshot()
	if snap == nil {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "no configuration loaded")
	}
	return snap, nil
}

func (a *ChannelAccessor) withBroker(snap *config.Snapshot, ch *brokertypes.ChannelConfig) (*brokertypes.ChannelConfig, *brokertypes.Config, error) {
	b, ok := snap.Brokers[ch.Broker]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeBrokerNotFound,
			"channel %q references undeclared broker %q", ch.Name, ch.Broker)
	}
	return ch, b, nil
}
