package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

// EsinfaStations maps ESINFA station names to station ids.
var EsinfaStations = map[string]string{
	"Hospital": "E5",
}

type EsinfaConfig struct {
	AuthURL    string
	BaseURL    string
	User       string
	Password   string
	ClientName string
	TokenTTL   time.Duration
	Location   *time.Location
	// CaptureOffset is added to date_capture, which the API reports one hour behind.
	CaptureOffset time.Duration
}

// EsinfaProvider reads the latest station snapshot from the ESINFA board.
type EsinfaProvider struct {
	cfg     EsinfaConfig
	httpCfg HTTPClientConfig
	tokens  *tokenSource
	log     zerolog.Logger
}

func NewEsinfaProvider(httpCfg HTTPClientConfig, cfg EsinfaConfig) *EsinfaProvider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://airsqm.weboard.cl"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://airsqm.weboard.cl"
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "esinfa"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CaptureOffset == 0 {
		cfg.CaptureOffset = time.Hour
	}
	p := &EsinfaProvider{
		cfg:     cfg,
		httpCfg: httpCfg,
		log:     logging.With("provider").With().Str("source", "esinfa").Logger(),
	}
	p.tokens = newTokenSource(cfg.TokenTTL, p.login)
	return p
}

func (p *EsinfaProvider) Name() string { return "esinfa" }

func (p *EsinfaProvider) login(ctx context.Context) (string, error) {
	body := map[string]string{
		"username":    p.cfg.User,
		"password":    p.cfg.Password,
		"client_name": p.cfg.ClientName,
	}
	resp, err := doRequestWithResilience(ctx, p.httpCfg,
		jsonRequest(http.MethodPost, strings.TrimRight(p.cfg.AuthURL, "/")+"/login", body, ""))
	if err != nil {
		return "", err
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return "", err
	}
	return payload.Token, nil
}

type esinfaStation struct {
	Station     string `json:"station"`
	DateCapture string `json:"date_capture"`
	Data        []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	} `json:"data"`
}

// esinfaRenew also renews on 500, which the board returns for expired tokens.
func esinfaRenew(err error) bool {
	return isUnauthorized(err) || errors.Is(err, ErrServerError)
}

// Fetch returns the station snapshot when its capture time falls inside w.
func (p *EsinfaProvider) Fetch(ctx context.Context, w measurement.Window) ([]measurement.Measurement, error) {
	if p.cfg.User == "" || p.cfg.Password == "" {
		return nil, fmt.Errorf("%w: esinfa credentials", ErrInvalidConfig)
	}

	var stations []esinfaStation
	err := withToken(ctx, p.tokens, esinfaRenew, func(token string) error {
		resp, err := doRequestWithResilience(ctx, p.httpCfg,
			jsonRequest(http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/station/", nil, token))
		if err != nil {
			return err
		}
		return decodeJSON(resp, &stations)
	})
	if err != nil {
		return nil, fmt.Errorf("esinfa: %w", err)
	}

	var out []measurement.Measurement
	for _, st := range stations {
		ts, ok := parseTimestamp(st.DateCapture, p.cfg.Location)
		if !ok {
			p.log.Warn().Str("station", st.Station).Str("date_capture", st.DateCapture).Msg("skipping station with invalid date")
			continue
		}
		ts = ts.Add(p.cfg.CaptureOffset)
		if !w.Contains(ts) {
			continue
		}

		station, ok := EsinfaStations[st.Station]
		if !ok {
			p.log.Warn().Str("station", st.Station).Msg("unmapped station, storing under its board name")
			station = st.Station
		}
		for _, param := range st.Data {
			value, ok := toFloat(param.Value)
			if param.Name == "" || !ok {
				p.log.Warn().Str("station", st.Station).Str("param", param.Name).Msg("skipping malformed record")
				continue
			}
			out = append(out, measurement.Measurement{
				Timestamp: ts,
				StationID: station,
				Variable:  canonicalVariable(param.Name),
				Value:     value,
			})
		}
	}
	return out, nil
}
