package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Agrid-Dev/thermostage/internal/ports"
	"github.com/Agrid-Dev/thermostage/internal/scheduler"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

type Server struct {
	svc      ports.StageService
	srv      *http.Server
	deviceID string
}

// New returns a runnable server. /metrics is served from g when it is not nil.
func New(svc ports.StageService, addr string, deviceID string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, deviceID: deviceID}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)

	// Write: one endpoint per variable
	mux.HandleFunc("POST /v1/setpoint", s.handlePostSetpoint)
	mux.HandleFunc("POST /v1/pid", s.handlePostPID)
	mux.HandleFunc("POST /v1/mode", s.handlePostMode)
	mux.HandleFunc("POST /v1/dac", s.handlePostDAC)
	mux.HandleFunc("POST /v1/period", s.handlePostPeriod)
	mux.HandleFunc("POST /v1/polyfit", s.handlePostPolyfit)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if g != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type snapshotDTO struct {
	DeviceID     string     `json:"device_id"`
	Temperature  float64    `json:"temperature"`
	Setpoint     float64    `json:"setpoint"`
	SetpointMin  float64    `json:"setpoint_min"`
	SetpointMax  float64    `json:"setpoint_max"`
	PID          stage.PID  `json:"pid"`
	Integral     float64    `json:"integral"`
	Mode         string     `json:"mode"`
	DAC          int        `json:"dac"`
	PeriodMS     int64      `json:"period_ms"`
	Polyfit      bool       `json:"polyfit"`
	LastSampleMS int64      `json:"last_sample_ms"`
	ElapsedMS    int64      `json:"elapsed_ms"`
	Diagnostics  [3]float64 `json:"diagnostics"`
	Ticks        uint64     `json:"ticks"`
	SensorFaults uint64     `json:"sensor_faults"`
}

func toDTO(s stage.Snapshot) snapshotDTO {
	return snapshotDTO{
		Temperature:  s.Temperature,
		Setpoint:     s.Setpoint,
		SetpointMin:  s.SetpointMin,
		SetpointMax:  s.SetpointMax,
		PID:          s.PID,
		Integral:     s.Integral,
		Mode:         s.Mode.String(),
		DAC:          s.DAC,
		PeriodMS:     s.Period.Milliseconds(),
		Polyfit:      s.Polyfit,
		LastSampleMS: s.LastSample.Milliseconds(),
		ElapsedMS:    s.Elapsed.Milliseconds(),
		Diagnostics:  s.Diagnostics,
		Ticks:        s.Ticks,
		SensorFaults: s.SensorFaults,
	}
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w)
}

func (s *Server) handlePostSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetSetpoint(v)
	})
}

func (s *Server) handlePostPID(w http.ResponseWriter, r *http.Request) {
	// body: {"value": {"band": 4.8, "t_integral": 15.16, "t_derivative": 23.42}}
	postValue(s, w, r, func(v stage.PID) error {
		return s.svc.SetPID(v)
	})
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "CLOSED_LOOP"}
	postValue(s, w, r, func(v string) error {
		m, err := stage.ParseMode(v)
		if err != nil {
			return err
		}
		return s.svc.SetMode(m)
	})
}

func (s *Server) handlePostDAC(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v int) error {
		return s.svc.SetDAC(v)
	})
}

func (s *Server) handlePostPeriod(w http.ResponseWriter, r *http.Request) {
	// body: {"value": 250} in milliseconds
	postValue(s, w, r, func(v int64) error {
		period, err := scheduler.PeriodFromMillis(v)
		if err != nil {
			return err
		}
		return s.svc.SetPeriod(period)
	})
}

func (s *Server) handlePostPolyfit(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) error {
		s.svc.SetPolyfit(v)
		return nil
	})
}

// ---- generic helpers ----
func (s *Server) respondSnapshot(w http.ResponseWriter) {
	dto := toDTO(s.svc.Get())
	dto.DeviceID = s.deviceID
	writeJSON(w, http.StatusOK, dto)
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}

	if err := apply(*req.Value); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, stage.ErrWrongMode) {
			code = http.StatusConflict
		}
		writeErr(w, code, err.Error())
		return
	}

	s.respondSnapshot(w)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
