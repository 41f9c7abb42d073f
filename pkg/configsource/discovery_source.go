package configsource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/configapply"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
)

// notifyPayload is the JSON body a LISTEN/NOTIFY trigger publishes on
// DiscoverySource.Channel. It carries pushMessage's per-item delta
// fields but not its layers/experiments lists, and is kept distinct
// since the two wire formats are produced by unrelated systems (a
// NATS publisher vs. a Postgres trigger function).
type notifyPayload struct {
	Kind       configapply.Kind       `json:"kind"`
	Layer      *layer.Layer           `json:"layer,omitempty"`
	LayerID    string                 `json:"layer_id,omitempty"`
	Experiment *catalog.ExperimentDef `json:"experiment,omitempty"`
	Eid        int64                  `json:"eid,omitempty"`
}

// DiscoverySource treats Postgres as a discovery-server-style
// streaming subscription: LoadLayers/LoadExperiments run a one-shot
// state-of-the-world query, and WatchChanges holds a dedicated
// connection LISTENing on Channel for deltas pushed by database
// triggers.
type DiscoverySource struct {
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
}

// NewDiscoverySource wraps an already-open pgx pool. channel is the
// Postgres NOTIFY channel name config-changing triggers publish to.
func NewDiscoverySource(pool *pgxpool.Pool, channel string, logger zerolog.Logger) *DiscoverySource {
	return &DiscoverySource{
		pool:    pool,
		channel: channel,
		logger:  logger.With().Str("component", "discovery_config_source").Str("channel", channel).Logger(),
	}
}

// LoadLayers queries the full current layer table as one
// state-of-the-world snapshot.
func (d *DiscoverySource) LoadLayers(ctx context.Context) ([]*layer.Layer, error) {
	rows, err := d.pool.Query(ctx, `SELECT document FROM layers`)
	if err != nil {
		return nil, fmt.Errorf("querying layers: %w", err)
	}
	defer rows.Close()

	var layers []*layer.Layer
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning layer row: %w", err)
		}
		l, err := layer.ParseDocument(raw)
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to parse layer row, skipping")
			continue
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating layer rows: %w", err)
	}
	return layers, nil
}

// LoadExperiments queries the full current experiment table.
func (d *DiscoverySource) LoadExperiments(ctx context.Context) ([]catalog.ExperimentDef, error) {
	rows, err := d.pool.Query(ctx, `SELECT document FROM experiments`)
	if err != nil {
		return nil, fmt.Errorf("querying experiments: %w", err)
	}
	defer rows.Close()

	var defs []catalog.ExperimentDef
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning experiment row: %w", err)
		}
		var def catalog.ExperimentDef
		if err := json.Unmarshal(raw, &def); err != nil {
			d.logger.Error().Err(err).Msg("failed to parse experiment row, skipping")
			continue
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating experiment rows: %w", err)
	}
	return defs, nil
}

// WatchChanges acquires a dedicated connection (NOTIFY delivery is
// per-connection, so this cannot share the pool's pooled connections
// for arbitrary queries), issues LISTEN, and translates each
// notification payload into a ConfigChange until ctx is canceled.
func (d *DiscoverySource) WatchChanges(ctx context.Context) (<-chan configapply.ConfigChange, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{d.channel}.Sanitize())); err != nil {
		conn.Release()
		return nil, fmt.Errorf("issuing LISTEN on %s: %w", d.channel, err)
	}

	out := make(chan configapply.ConfigChange, 64)

	go func() {
		defer conn.Release()
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error().Err(err).Msg("waiting for notification failed")
				return
			}

			var payload notifyPayload
			if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
				d.logger.Error().Err(err).Msg("failed to unmarshal notify payload")
				continue
			}

			change := configapply.ConfigChange{
				Kind:    payload.Kind,
				Layer:   payload.Layer,
				LayerID: payload.LayerID,
				Eid:     payload.Eid,
			}
			if payload.Experiment != nil {
				change.Experiment = *payload.Experiment
			}

			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	d.logger.Info().Msg("listening for config change notifications")
	return out, nil
}
