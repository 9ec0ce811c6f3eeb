package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

const day = 24 * time.Hour

func (s *Server) adminRoutes(r chi.Router) {
	r.Use(s.requireAdmin)

	r.Post("/orders", s.traced("admin.order_completed", s.handleOrderCompleted))
	r.Post("/purge", s.traced("admin.purge", s.handlePurge))

	r.Route("/licenses/{key}", func(r chi.Router) {
		r.Get("/", s.traced("admin.inspect", s.handleInspect))
		r.Post("/revoke", s.traced("admin.revoke", s.licenseOp(s.engine.Revoke)))
		r.Post("/suspend", s.traced("admin.suspend", s.licenseOp(s.engine.Suspend)))
		r.Post("/reactivate", s.traced("admin.reactivate", s.licenseOp(s.engine.Reactivate)))
		r.Post("/convert", s.traced("admin.convert", s.licenseOp(s.engine.ConvertTrialToSubscription)))
		r.Post("/grace", s.traced("admin.grace", s.licenseOp(s.engine.EnterGracePeriod)))
		r.Post("/extend", s.traced("admin.extend", s.handleExtend))
		r.Post("/trial", s.traced("admin.trial", s.handleTrial))
		r.Post("/transfer", s.traced("admin.transfer", s.handleTransfer))
		r.Post("/overrides", s.traced("admin.overrides", s.handleOverrides))

		r.Route("/subscription", func(r chi.Router) {
			r.Post("/renew", s.traced("admin.renew", s.handleRenew))
			r.Post("/cancel", s.traced("admin.cancel", s.subscriptionOp(s.engine.Cancel)))
			r.Post("/past-due", s.traced("admin.past_due", s.subscriptionOp(s.engine.MarkPastDue)))
			r.Post("/unpaid", s.traced("admin.unpaid", s.subscriptionOp(s.engine.MarkUnpaid)))
		})
	})
}

func licenseKey(r *http.Request) string {
	return chi.URLParam(r, "key")
}

// licenseOp adapts a bodiless engine mutation to a handler.
func (s *Server) licenseOp(op func(context.Context, string) (entitlement.License, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lic, err := op(r.Context(), licenseKey(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, lic)
	}
}

func (s *Server) subscriptionOp(op func(context.Context, string) (entitlement.Subscription, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := op(r.Context(), licenseKey(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeData(w, r, sub)
	}
}

func (s *Server) handleOrderCompleted(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	issued, err := s.engine.HandleOrderCompleted(r.Context(), req.OrderCompleted)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if issued == nil {
		issued = []entitlement.License{}
	}
	render.Status(r, http.StatusCreated)
	writeData(w, r, issued)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	details, err := s.engine.Inspect(r.Context(), licenseKey(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, details)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req daysRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	lic, err := s.engine.Extend(r.Context(), licenseKey(r), req.Days)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, lic)
}

type trialResponse struct {
	Started bool `json:"started"`
}

// handleTrial starts a trial of the requested length, or of the product's
// default length when days is omitted.
func (s *Server) handleTrial(w http.ResponseWriter, r *http.Request) {
	var req daysRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	var (
		started bool
		err     error
	)
	if req.Days == 0 {
		started, err = s.engine.StartDefaultTrial(r.Context(), licenseKey(r))
	} else {
		started, err = s.engine.StartTrial(r.Context(), licenseKey(r), req.Days)
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, trialResponse{Started: started})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	lic, err := s.engine.Transfer(r.Context(), licenseKey(r), entitlement.TransferRequest{
		UserID:           req.UserID,
		CustomerEmail:    req.CustomerEmail,
		CustomerName:     req.CustomerName,
		ResetActivations: req.ResetActivations,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, lic)
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	var req overridesRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	lic, err := s.engine.SetOverrides(r.Context(), licenseKey(r), entitlement.Overrides{
		MaxActivations: req.MaxActivations,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, lic)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	res, err := s.engine.Renew(r.Context(), licenseKey(r), req.PeriodStart, req.PeriodEnd)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, res)
}

type purgeResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := s.bind(w, r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	n, err := s.engine.PurgeRevoked(r.Context(), time.Duration(req.OlderThanDays)*day)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeData(w, r, purgeResponse{Deleted: n})
}
