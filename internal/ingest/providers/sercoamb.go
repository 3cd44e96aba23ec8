package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

type SercoambVictoriaConfig struct {
	URL       string
	User      string
	Password  string
	Oricod    string
	Ciacod    string
	LocCod    string
	LocUbiNum string
	StationID string
	Location  *time.Location
}

// SercoambVictoriaProvider reads minute data for the Victoria station.
type SercoambVictoriaProvider struct {
	cfg     SercoambVictoriaConfig
	httpCfg HTTPClientConfig
	log     zerolog.Logger
}

func NewSercoambVictoriaProvider(httpCfg HTTPClientConfig, cfg SercoambVictoriaConfig) *SercoambVictoriaProvider {
	if cfg.URL == "" {
		cfg.URL = "https://sercoambvm.uc.r.appspot.com/json/ServicioDataSQM"
	}
	if cfg.Oricod == "" {
		cfg.Oricod = "010"
	}
	if cfg.Ciacod == "" {
		cfg.Ciacod = "3000028966"
	}
	if cfg.LocCod == "" {
		cfg.LocCod = "011-AIRE-300001"
	}
	if cfg.LocUbiNum == "" {
		cfg.LocUbiNum = "100"
	}
	if cfg.StationID == "" {
		cfg.StationID = "E10"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &SercoambVictoriaProvider{
		cfg:     cfg,
		httpCfg: httpCfg,
		log:     logging.With("provider").With().Str("source", "sercoamb-victoria").Logger(),
	}
}

func (p *SercoambVictoriaProvider) Name() string { return "sercoamb-victoria" }

type victoriaResponse struct {
	Data struct {
		Data []struct {
			TmStamp  string `json:"TmStamp"`
			Variable *struct {
				Descripcion string `json:"Descripcion"`
				Valor       any    `json:"Valor"`
			} `json:"Variable"`
		} `json:"Data"`
	} `json:"data"`
}

func (p *SercoambVictoriaProvider) Fetch(ctx context.Context, w measurement.Window) ([]measurement.Measurement, error) {
	if p.cfg.User == "" || p.cfg.Password == "" {
		return nil, fmt.Errorf("%w: sercoamb victoria credentials", ErrInvalidConfig)
	}

	body := map[string]string{
		"user":       p.cfg.User,
		"password":   p.cfg.Password,
		"Oricod":     p.cfg.Oricod,
		"Ciacod":     p.cfg.Ciacod,
		"LocCod":     p.cfg.LocCod,
		"LocUbiNum":  p.cfg.LocUbiNum,
		"Fec_Desde":  w.Start.In(p.cfg.Location).Format("02-01-2006"),
		"Fec_Hasta":  w.End.In(p.cfg.Location).Format("02-01-2006"),
		"Frecuencia": "M",
	}
	resp, err := doRequestWithResilience(ctx, p.httpCfg, jsonRequest(http.MethodPost, p.cfg.URL, body, ""))
	if err != nil {
		return nil, fmt.Errorf("sercoamb victoria: %w", err)
	}
	var payload victoriaResponse
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, fmt.Errorf("sercoamb victoria: %w", err)
	}

	var out []measurement.Measurement
	for _, item := range payload.Data.Data {
		if item.Variable == nil || item.Variable.Descripcion == "" {
			p.log.Warn().Str("timestamp", item.TmStamp).Msg("skipping record without variable")
			continue
		}
		ts, ok := parseTimestamp(item.TmStamp, p.cfg.Location)
		if !ok {
			p.log.Warn().Str("timestamp", item.TmStamp).Msg("skipping malformed record")
			continue
		}
		if !w.Contains(ts) {
			continue
		}
		value, ok := toFloat(item.Variable.Valor)
		if !ok {
			p.log.Warn().Str("variable", item.Variable.Descripcion).Interface("value", item.Variable.Valor).
				Msg("skipping non-numeric value")
			continue
		}
		out = append(out, measurement.Measurement{
			Timestamp: ts,
			StationID: p.cfg.StationID,
			Variable:  canonicalVariable(item.Variable.Descripcion),
			Value:     value,
		})
	}
	return out, nil
}

type SercoambTamenticaConfig struct {
	URL        string
	TerminalID string
	User       string
	Password   string
}

// SercoambTamenticaProvider polls the Tamentica logger. The upstream only
// returns placeholder cells, so a successful call always yields no samples.
type SercoambTamenticaProvider struct {
	cfg     SercoambTamenticaConfig
	httpCfg HTTPClientConfig
	log     zerolog.Logger
}

func NewSercoambTamenticaProvider(httpCfg HTTPClientConfig, cfg SercoambTamenticaConfig) *SercoambTamenticaProvider {
	if cfg.URL == "" {
		cfg.URL = "http://api.io-sat.cl/IosatApi.asmx/GetData"
	}
	if cfg.TerminalID == "" {
		cfg.TerminalID = "02054888SKY54C5"
	}
	return &SercoambTamenticaProvider{
		cfg:     cfg,
		httpCfg: httpCfg,
		log:     logging.With("provider").With().Str("source", "sercoamb-tamentica").Logger(),
	}
}

func (p *SercoambTamenticaProvider) Name() string { return "sercoamb-tamentica" }

const placeholderCell = "automataMensajes.wsdl.dataCell"

func (p *SercoambTamenticaProvider) Fetch(ctx context.Context, w measurement.Window) ([]measurement.Measurement, error) {
	if p.cfg.User == "" || p.cfg.Password == "" {
		return nil, fmt.Errorf("%w: sercoamb tamentica credentials", ErrInvalidConfig)
	}

	body := map[string]any{
		"terminalID":      p.cfg.TerminalID,
		"timeStampInicio": w.Start.Unix(),
		"usuario":         p.cfg.User,
		"pass":            p.cfg.Password,
	}
	resp, err := doRequestWithResilience(ctx, p.httpCfg, jsonRequest(http.MethodPost, p.cfg.URL, body, ""))
	if err != nil {
		return nil, fmt.Errorf("sercoamb tamentica: %w", err)
	}
	var tables []struct {
		TableNumber int              `json:"tableNumber"`
		Data        []map[string]any `json:"data"`
	}
	if err := decodeJSON(resp, &tables); err != nil {
		return nil, fmt.Errorf("sercoamb tamentica: %w", err)
	}

	cells := 0
	for _, t := range tables {
		for _, rec := range t.Data {
			for _, v := range rec {
				if s, ok := v.(string); !ok || s != placeholderCell {
					cells++
				}
			}
		}
	}
	if cells > 0 {
		p.log.Debug().Int("cells", cells).Msg("ignoring tamentica cells")
	}
	return nil, nil
}
