package configsource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/configapply"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
)

// pushMessage is the wire shape published on the control-plane
// change subject: the same five-way tag as configapply.ConfigChange,
// carried over NATS instead of a Go channel.
type pushMessage struct {
	Kind        configapply.Kind        `json:"kind"`
	Layers      []*layer.Layer          `json:"layers,omitempty"`
	Experiments []catalog.ExperimentDef `json:"experiments,omitempty"`
	Layer       *layer.Layer            `json:"layer,omitempty"`
	LayerID     string                  `json:"layer_id,omitempty"`
	Experiment  *catalog.ExperimentDef  `json:"experiment,omitempty"`
	Eid         int64                   `json:"eid,omitempty"`
}

// PushSource subscribes to a control-plane push subject and forwards
// each message onto the applier's change stream. Unlike FileSource
// and DiscoverySource, it has no meaningful one-shot LoadLayers /
// LoadExperiments of its own — a push connection is a stream-only
// source, expected to be paired with a FullReload on first connect.
type PushSource struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewPushSource wraps an already-connected NATS connection.
func NewPushSource(conn *nats.Conn, subject string, logger zerolog.Logger) *PushSource {
	return &PushSource{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "push_config_source").Str("subject", subject).Logger(),
	}
}

// LoadLayers is unsupported: a push source only streams changes. The
// caller is expected to wait for the initial FullReload the control
// plane sends on connect rather than call this.
func (p *PushSource) LoadLayers(ctx context.Context) ([]*layer.Layer, error) {
	return nil, fmt.Errorf("push config source has no bulk load; wait for the initial full reload")
}

// LoadExperiments is unsupported for the same reason as LoadLayers.
func (p *PushSource) LoadExperiments(ctx context.Context) ([]catalog.ExperimentDef, error) {
	return nil, fmt.Errorf("push config source has no bulk load; wait for the initial full reload")
}

// WatchChanges subscribes to p.subject and decodes each message as a
// configapply.ConfigChange.
func (p *PushSource) WatchChanges(ctx context.Context) (<-chan configapply.ConfigChange, error) {
	out := make(chan configapply.ConfigChange, 64)

	sub, err := p.conn.Subscribe(p.subject, func(msg *nats.Msg) {
		var wire pushMessage
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			p.logger.Error().Err(err).Msg("failed to unmarshal config change message")
			return
		}
		change := configapply.ConfigChange{
			Kind:        wire.Kind,
			Layers:      wire.Layers,
			Experiments: wire.Experiments,
			Layer:       wire.Layer,
			LayerID:     wire.LayerID,
			Eid:         wire.Eid,
		}
		if wire.Experiment != nil {
			change.Experiment = *wire.Experiment
		}
		out <- change
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("subscribing to %s: %w", p.subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()

	p.logger.Info().Msg("subscribed to config change subject")
	return out, nil
}
