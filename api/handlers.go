package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/udhos/checkout/authorization"
	"github.com/udhos/checkout/clientcredentials"
)

const maxBodyBytes = 1 << 20

type healthResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	DBName  string `json:"dbName"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, healthResponse{
		OK:      true,
		Message: "Server is running",
		DBName:  s.dbName,
	})
}

type listResponse struct {
	Success bool                   `json:"success"`
	Rows    []authorization.Record `json:"rows"`
}

func (s *Server) handleListAuthorizations(w http.ResponseWriter, r *http.Request) {
	log := s.logger(r)

	rows, err := s.recorder.Recent(r.Context(), authorization.RecentLimit)
	if err != nil {
		log.WithError(err).Error("listing authorizations")
		s.sendError(w, http.StatusInternalServerError, "Error fetching authorizations")
		return
	}
	if rows == nil {
		rows = []authorization.Record{}
	}

	log.WithField("rows", len(rows)).Debug("fetched authorizations")

	s.respond(w, http.StatusOK, listResponse{Success: true, Rows: rows})
}

// authorizeRequest is the checkout payment form.
// Card fields are accepted for compatibility with the front end, but they are
// neither logged nor stored.
type authorizeRequest struct {
	OrderID    flexString `json:"orderId"`
	Amount     flexAmount `json:"amount"`
	CardNumber flexString `json:"cardNumber"`
	ExpiryDate flexString `json:"expiryDate"`
	Zip        flexString `json:"zip"`
	FirstName  flexString `json:"firstName"`
	LastName   flexString `json:"lastName"`
	Address    flexString `json:"address"`
}

type authorizeResponse struct {
	Success             bool    `json:"success"`
	OrderID             string  `json:"orderId"`
	PaymentStatus       string  `json:"paymentStatus"`
	AuthorizationAmount float64 `json:"authorizationAmount"`
	AuthorizationToken  string  `json:"authorizationToken"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	log := s.logger(r)

	var req authorizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		log.WithError(err).Info("authorize: bad request body")
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, errAmount := req.Amount.Float()
	if errAmount != nil {
		log.WithError(errAmount).Info("authorize: bad amount")
		s.sendError(w, http.StatusBadRequest, "amount must be a number")
		return
	}

	orderID := string(req.OrderID)
	log = log.WithFields(logrus.Fields{"orderId": orderID, "amount": amount})

	result, err := s.recorder.Authorize(r.Context(), orderID, amount)
	if err != nil {
		var valErr *authorization.ValidationError
		if errors.As(err, &valErr) {
			log.WithError(err).Info("authorize: rejected")
			s.sendError(w, http.StatusBadRequest, valErr.Message)
			return
		}
		log.WithError(err).Error("authorize: failed")
		s.sendError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.WithField("status", result.PaymentStatus).Info("authorize: recorded")

	s.respond(w, http.StatusOK, authorizeResponse{
		Success:             true,
		OrderID:             result.OrderID,
		PaymentStatus:       result.PaymentStatus,
		AuthorizationAmount: result.AuthorizationAmount,
		AuthorizationToken:  result.AuthorizationToken,
	})
}

type oauthStatusResponse struct {
	Success        bool `json:"success"`
	TokenAvailable bool `json:"tokenAvailable"`
}

// handleOAuthStatus checks that an access token for the payment API can be
// obtained. The token itself never leaves the server.
func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	log := s.logger(r)

	if s.tokens == nil {
		s.sendError(w, http.StatusServiceUnavailable, "oauth client not configured")
		return
	}

	if _, err := s.tokens.GetAccessToken(r.Context()); err != nil {
		var cfgErr *clientcredentials.ConfigurationError
		var transportErr *clientcredentials.TransportError
		var protoErr *clientcredentials.ProtocolError

		switch {
		case errors.As(err, &cfgErr):
			log.WithError(err).Warn("oauth status: missing configuration")
			s.sendError(w, http.StatusServiceUnavailable, "oauth client not configured")
		case errors.As(err, &transportErr):
			log.WithError(err).Error("oauth status: token issuer unreachable")
			s.sendError(w, http.StatusBadGateway, "token issuer unavailable")
		case errors.As(err, &protoErr):
			log.WithError(err).Error("oauth status: bad token response")
			s.sendError(w, http.StatusBadGateway, "token issuer returned an invalid response")
		default:
			log.WithError(err).Error("oauth status: failed")
			s.sendError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	s.respond(w, http.StatusOK, oauthStatusResponse{Success: true, TokenAvailable: true})
}

// flexString accepts a JSON string or number. null and the number zero
// decode as empty.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %s", data)
	}
	if v, err := n.Float64(); err == nil && v == 0 {
		*f = ""
		return nil
	}
	*f = flexString(n.String())
	return nil
}

// flexAmount accepts a JSON number or a numeric string.
// A missing, null or empty amount reads as zero.
type flexAmount struct {
	raw string
}

func (f *flexAmount) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	f.raw = strings.TrimSpace(string(s))
	return nil
}

// Float parses the amount.
func (f flexAmount) Float() (float64, error) {
	if f.raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(f.raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("amount out of range: %s", f.raw)
	}
	return v, nil
}
