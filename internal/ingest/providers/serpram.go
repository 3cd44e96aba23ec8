package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

const serpramTimeLayout = "2006-01-02T15:04:05"

// SerpramDevices maps SERPRAM device ids to station ids.
var SerpramDevices = map[string]string{
	"Mejillones":    "E1",
	"Sierra Gorda":  "E2",
	"SQM Baquedano": "E3",
	"Maria Elena":   "E4",
}

type SerpramConfig struct {
	AuthURL  string
	BaseURL  string
	User     string
	Password string
	// Devices maps device ids to station ids; nil uses SerpramDevices.
	Devices  map[string]string
	TokenTTL time.Duration
	Location *time.Location
}

// SerpramProvider reads historical samples for a fixed set of SERPRAM devices.
type SerpramProvider struct {
	cfg     SerpramConfig
	httpCfg HTTPClientConfig
	tokens  *tokenSource
	log     zerolog.Logger
}

func NewSerpramProvider(httpCfg HTTPClientConfig, cfg SerpramConfig) *SerpramProvider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://api.serpram.cl/air_ws/v1/api"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api2.serpram.cl:4321/air_ws/v1/api"
	}
	if cfg.Devices == nil {
		cfg.Devices = SerpramDevices
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	p := &SerpramProvider{
		cfg:     cfg,
		httpCfg: httpCfg,
		log:     logging.With("provider").With().Str("source", "serpram").Logger(),
	}
	p.tokens = newTokenSource(cfg.TokenTTL, p.login)
	return p
}

func (p *SerpramProvider) Name() string { return "serpram" }

func (p *SerpramProvider) login(ctx context.Context) (string, error) {
	body := map[string]string{"usuario": p.cfg.User, "password": p.cfg.Password}
	resp, err := doRequestWithResilience(ctx, p.httpCfg,
		jsonRequest(http.MethodPost, strings.TrimRight(p.cfg.AuthURL, "/")+"/login", body, ""))
	if err != nil {
		return "", err
	}
	var payload struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return "", err
	}
	return payload.Value, nil
}

type serpramResponse struct {
	Resultado []struct {
		DispositivoID string `json:"dispositivoId"`
		Parametros    []struct {
			Nombre        string `json:"nombre"`
			Valor         any    `json:"valor"`
			EstampaTiempo string `json:"estampaTiempo"`
		} `json:"parametros"`
	} `json:"resultado"`
}

// Fetch queries every device for w. A failing device fails the whole fetch.
func (p *SerpramProvider) Fetch(ctx context.Context, w measurement.Window) ([]measurement.Measurement, error) {
	if p.cfg.User == "" || p.cfg.Password == "" {
		return nil, fmt.Errorf("%w: serpram credentials", ErrInvalidConfig)
	}

	var out []measurement.Measurement
	for device, station := range p.cfg.Devices {
		rows, err := p.fetchDevice(ctx, device, station, w)
		if err != nil {
			return nil, fmt.Errorf("serpram %s: %w", device, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (p *SerpramProvider) fetchDevice(ctx context.Context, device, station string, w measurement.Window) ([]measurement.Measurement, error) {
	body := map[string]any{
		"estampaTiempoInicial": w.Start.In(p.cfg.Location).Format(serpramTimeLayout),
		"estampaTiempoFinal":   w.End.In(p.cfg.Location).Format(serpramTimeLayout),
		"tipoMedicion":         1,
		"consulta":             []map[string]string{{"dispositivoId": device}},
	}

	var payload serpramResponse
	err := withToken(ctx, p.tokens, isUnauthorized, func(token string) error {
		// The historical endpoint reads its query from a GET body.
		resp, err := doRequestWithResilience(ctx, p.httpCfg,
			jsonRequest(http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/getHistorico", body, token))
		if err != nil {
			return err
		}
		return decodeJSON(resp, &payload)
	})
	if err != nil {
		return nil, err
	}
	return p.transform(payload, device, station), nil
}

func (p *SerpramProvider) transform(payload serpramResponse, device, station string) []measurement.Measurement {
	seen := make(map[string]struct{})
	var out []measurement.Measurement

	for _, r := range payload.Resultado {
		if r.DispositivoID != device {
			continue
		}
		for _, param := range r.Parametros {
			ts, ok := parseTimestamp(param.EstampaTiempo, p.cfg.Location)
			if !ok || param.Nombre == "" {
				p.log.Warn().Str("device", device).Str("param", param.Nombre).Msg("skipping malformed record")
				continue
			}
			value, ok := toFloat(param.Valor)
			if !ok {
				p.log.Warn().Str("device", device).Str("param", param.Nombre).Interface("value", param.Valor).Msg("skipping non-numeric value")
				continue
			}

			m := measurement.Measurement{
				Timestamp: ts,
				StationID: station,
				Variable:  canonicalVariable(param.Nombre),
				Value:     value,
			}
			k := m.Key().String()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, m)
		}
		// Only the first result for the device is used.
		break
	}
	return out
}
