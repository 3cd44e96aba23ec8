package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/breaker"
	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

// AYT tags end in _<STATION>_MIN; the suffix selects the station.
var aytStations = map[string]string{
	"HUARA":        "E6",
	"EXOFVICTORIA": "E7",
	"COLPINTADOS":  "E8",
}

// AytTags is the default set of one-minute tags read from the AYT CEMS.
var AytTags = []string{
	"VELOCIDAD_DEL_VIENTO_M/S_HUARA_MIN",
	"DIRECCION_DEL_VIENTO_HUARA_MIN",
	"PM10_HUARA_MIN",
	"HUMEDAD_PORCENTAJE_HUARA_MIN",
	"TEMPERATURA_C_HUARA_MIN",
	"SO2_PPBV_HUARA_MIN",
	"VELOCIDAD_DEL_VIENTO_M/S_EXOFVICTORIA_MIN",
	"DIRECCION_DEL_VIENTO_EXOFVICTORIA_MIN",
	"PM10_EXOFVICTORIA_MIN",
	"PM2.5_EXOFVICTORIA_MIN",
	"HUMEDAD_PORCENTAJE_EXOFVICTORIA_MIN",
	"TEMPERATURA_C_EXOFVICTORIA_MIN",
	"SO2_PPBV_EXOFVICTORIA_MIN",
	"DIRECCION_DEL_VIENTO_COLPINTADOS_MIN",
	"PM10_COLPINTADOS_MIN",
	"PM2.5_COLPINTADOS_MIN",
	"HUMEDAD_PORCENTAJE_COLPINTADOS_MIN",
	"TEMPERATURA_C_COLPINTADOS_MIN",
	"SO2_PPBV_COLPINTADOS_MIN",
}

// ParseAytTag splits a tag into station id and canonical variable.
func ParseAytTag(tag string) (station, variable string, ok bool) {
	rest, found := strings.CutSuffix(tag, "_MIN")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", "", false
	}
	station, ok = aytStations[rest[i+1:]]
	if !ok {
		return "", "", false
	}
	return station, canonicalVariable(rest[:i]), true
}

type AytConfig struct {
	BaseURL  string
	User     string
	Password string
	CemsID   string
	Tags     []string
	TokenTTL time.Duration
	Location *time.Location
}

// AytProvider reads per-tag value series from the AYT CEMS API.
type AytProvider struct {
	cfg     AytConfig
	httpCfg HTTPClientConfig
	tokens  *tokenSource
	log     zerolog.Logger
}

func NewAytProvider(httpCfg HTTPClientConfig, cfg AytConfig) *AytProvider {
	if cfg.CemsID == "" {
		cfg.CemsID = "01"
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = AytTags
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	p := &AytProvider{
		cfg:     cfg,
		httpCfg: httpCfg,
		log:     logging.With("provider").With().Str("source", "ayt").Logger(),
	}
	p.tokens = newTokenSource(cfg.TokenTTL, p.login)
	return p
}

func (p *AytProvider) Name() string { return "ayt" }

func (p *AytProvider) base() string { return strings.TrimRight(p.cfg.BaseURL, "/") }

func (p *AytProvider) login(ctx context.Context) (string, error) {
	body := map[string]string{"usuario": p.cfg.User, "password": p.cfg.Password}
	resp, err := doRequestWithResilience(ctx, p.httpCfg,
		jsonRequest(http.MethodPost, p.base()+"/api/Auth/Login", body, ""))
	if err != nil {
		return "", err
	}
	var payload struct {
		AuthenticationToken string `json:"authenticationToken"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return "", err
	}
	return payload.AuthenticationToken, nil
}

type aytRecord struct {
	Timestamp string `json:"timestamp"`
	Value     any    `json:"value"`
}

// Fetch reads every configured tag for the days covering w and keeps samples inside w.
func (p *AytProvider) Fetch(ctx context.Context, w measurement.Window) ([]measurement.Measurement, error) {
	return p.fetch(ctx, nil, w)
}

// FetchGuarded is Fetch with each tag request run through b. Any tag failure,
// or the circuit opening mid-fetch, abandons the whole batch.
func (p *AytProvider) FetchGuarded(ctx context.Context, b *breaker.Breaker, w measurement.Window) ([]measurement.Measurement, error) {
	return p.fetch(ctx, b, w)
}

func (p *AytProvider) fetch(ctx context.Context, b *breaker.Breaker, w measurement.Window) ([]measurement.Measurement, error) {
	if p.cfg.BaseURL == "" || p.cfg.User == "" {
		return nil, fmt.Errorf("%w: ayt base url and credentials", ErrInvalidConfig)
	}

	var out []measurement.Measurement
	for _, tag := range p.cfg.Tags {
		station, variable, ok := ParseAytTag(tag)
		if !ok {
			p.log.Warn().Str("tag", tag).Msg("skipping unknown tag")
			continue
		}
		records, err := p.readTag(ctx, b, tag, w)
		if err != nil {
			return nil, fmt.Errorf("ayt %s: %w", tag, err)
		}
		for _, r := range records {
			ts, ok := parseTimestamp(r.Timestamp, p.cfg.Location)
			if !ok {
				p.log.Warn().Str("tag", tag).Str("timestamp", r.Timestamp).Msg("skipping malformed record")
				continue
			}
			if !w.Contains(ts) {
				continue
			}
			value, ok := toFloat(r.Value)
			if !ok {
				p.log.Warn().Str("tag", tag).Interface("value", r.Value).Msg("skipping non-numeric value")
				continue
			}
			out = append(out, measurement.Measurement{Timestamp: ts, StationID: station, Variable: variable, Value: value})
		}
	}
	return out, nil
}

func (p *AytProvider) readTag(ctx context.Context, b *breaker.Breaker, tag string, w measurement.Window) ([]aytRecord, error) {
	if b == nil {
		return p.fetchTag(ctx, tag, w)
	}
	return breaker.Call(ctx, b, func(ctx context.Context) ([]aytRecord, error) {
		return p.fetchTag(ctx, tag, w)
	})
}

func (p *AytProvider) fetchTag(ctx context.Context, tag string, w measurement.Window) ([]aytRecord, error) {
	q := url.Values{}
	q.Set("id_cems", p.cfg.CemsID)
	q.Set("tag", tag)
	q.Set("fechaDesde", w.Start.In(p.cfg.Location).Format("2006-01-02"))
	// The upper bound is an exclusive day.
	q.Set("fechaHasta", w.End.In(p.cfg.Location).AddDate(0, 0, 1).Format("2006-01-02"))
	u := p.base() + "/api/Cems/GetBetweenValues?" + q.Encode()

	var records []aytRecord
	err := withToken(ctx, p.tokens, isUnauthorized, func(token string) error {
		resp, err := doRequestWithResilience(ctx, p.httpCfg, jsonRequest(http.MethodGet, u, nil, token))
		if err != nil {
			return err
		}
		return decodeJSON(resp, &records)
	})
	return records, err
}
