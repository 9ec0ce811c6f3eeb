package httpapi

import (
	"net"
	"net/http"

	"github.com/go-chi/render"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

// dataResponse wraps successful mutation results as {"data": ...}.
type dataResponse struct {
	Data any `json:"data"`
}

func writeData(w http.ResponseWriter, r *http.Request, v any) {
	render.JSON(w, r, dataResponse{Data: v})
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
}

// handleValidate answers 200 with a ValidationResult, including for keys
// that do not exist.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	res, err := s.engine.Validate(r.Context(), req.LicenseKey, req.Fingerprint)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	res, err := s.engine.Activate(r.Context(), req.LicenseKey, req.Fingerprint, entitlement.ActivationContext{
		MachineID:  req.MachineID,
		IPAddress:  remoteIP(r),
		UserAgent:  r.UserAgent(),
		SystemInfo: req.SystemInfo,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, res)
}

type deactivateResponse struct {
	OK bool `json:"ok"`
	entitlement.DeactivationResult
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	res, err := s.engine.Deactivate(r.Context(), req.LicenseKey, req.Fingerprint)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, deactivateResponse{OK: true, DeactivationResult: res})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	act, err := s.engine.Heartbeat(r.Context(), req.LicenseKey, req.Fingerprint)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, act)
}

// remoteIP strips the port from RemoteAddr. middleware.RealIP has already
// replaced it with X-Forwarded-For / X-Real-IP when present.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
