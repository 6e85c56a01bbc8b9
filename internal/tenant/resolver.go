package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"omnidesk/internal/metrics"
	"omnidesk/internal/repo"
)

// ErrUnresolved is returned when no connected channel connection owns the routing identifier.
var ErrUnresolved = errors.New("tenant unresolved")

// Tier names the lookup that produced a match.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
	TierPage     Tier = "page"
)

// Resolution is the outcome of a successful lookup.
type Resolution struct {
	TenantID     string              `json:"tenant_id"`
	ConnectionID string              `json:"connection_id"`
	Channel      repo.Channel        `json:"channel"`
	Tier         Tier                `json:"tier"`
	MatchedType  repo.IdentifierType `json:"matched_type"`
}

// Config toggles the legacy WhatsApp identifier tier.
type Config struct {
	LegacyFallback bool
}

// Resolver maps an inbound routing identifier to the owning tenant.
type Resolver struct {
	store   repo.ConnectionStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// New creates a Resolver backed by store.
func New(store repo.ConnectionStore, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Resolver {
	return &Resolver{
		store:   store,
		logger:  logger.With("component", "tenant_resolver"),
		metrics: metricRegistry,
		cfg:     cfg,
	}
}

// PrimaryIdentifier is the identifier type carried as routing id by inbound events of channel.
func PrimaryIdentifier(channel repo.Channel) repo.IdentifierType {
	switch channel {
	case repo.ChannelInstagram:
		return repo.IdentifierIGBusinessAccountID
	default:
		return repo.IdentifierPhoneNumberID
	}
}

type lookup struct {
	tier   Tier
	idType repo.IdentifierType
}

func (r *Resolver) lookups(channel repo.Channel) []lookup {
	out := []lookup{{TierPrimary, PrimaryIdentifier(channel)}}
	switch {
	case channel == repo.ChannelWhatsApp && r.cfg.LegacyFallback:
		out = append(out, lookup{TierFallback, repo.IdentifierLegacyPhoneNumberID})
	case channel == repo.ChannelInstagram:
		// Deliveries subscribed through the Facebook page carry the page id.
		out = append(out, lookup{TierPage, repo.IdentifierPageID})
	}
	return out
}

// Resolve runs the exact-match lookups in order and returns the first connected match.
// A disconnected match does not stop the search; if nothing connected is found ErrUnresolved is returned.
func (r *Resolver) Resolve(ctx context.Context, channel repo.Channel, routingID string) (*Resolution, error) {
	routingID = strings.TrimSpace(routingID)
	if !channel.Valid() || routingID == "" {
		r.observe(channel, "unresolved")
		return nil, fmt.Errorf("%w: channel=%q routing_id=%q", ErrUnresolved, channel, routingID)
	}

	for _, step := range r.lookups(channel) {
		match, err := r.store.ResolveIdentifier(ctx, channel, step.idType, routingID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			r.observe(channel, "error")
			return nil, fmt.Errorf("resolve %s identifier: %w", step.idType, err)
		}
		if match.Status != repo.ConnectionConnected {
			r.logger.Info("identifier matched disconnected connection",
				"channel", channel, "identifier_type", step.idType, "routing_id", routingID, "tenant_id", match.TenantID)
			continue
		}
		if step.tier == TierFallback {
			r.logger.Warn("tenant resolved via legacy identifier",
				"channel", channel, "routing_id", routingID, "tenant_id", match.TenantID)
		}
		r.observe(channel, string(step.tier))
		return &Resolution{
			TenantID:     match.TenantID,
			ConnectionID: match.ConnectionID,
			Channel:      channel,
			Tier:         step.tier,
			MatchedType:  step.idType,
		}, nil
	}

	r.observe(channel, "unresolved")
	return nil, fmt.Errorf("%w: channel=%s routing_id=%s", ErrUnresolved, channel, routingID)
}

func (r *Resolver) observe(channel repo.Channel, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.TenantResolutions.WithLabelValues(string(channel), outcome).Inc()
}
