package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/id"
)

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ──────────────────────────────────────────────────
// Webhook
// ──────────────────────────────────────────────────

// handleWebhook verifies the delivery and hands it to the ledger. In sync
// mode processed, ignored, skipped and duplicate events return 200, an
// in-flight event 409 and a failed one 500 so the provider redelivers.
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) > s.bodyLimit {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(errorResponse{Error: "payload too large"})
	}

	ev, err := s.verifier.Verify(body, c.Get("Stripe-Signature"))
	if err != nil {
		s.logger.Warn("webhook rejected", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid signature"})
	}

	ctx := c.UserContext()
	var outcome tokenledger.Outcome
	if s.async {
		outcome, err = s.ledger.Accept(ctx, ev)
	} else {
		outcome, err = s.ledger.Ingest(ctx, ev)
	}

	switch {
	case err == nil:
		code := fiber.StatusOK
		if outcome == tokenledger.OutcomeAccepted {
			code = fiber.StatusAccepted
		}
		return c.Status(code).JSON(webhookResponse{Received: true, Status: string(outcome)})

	case errors.Is(err, tokenledger.ErrEventInFlight):
		return c.Status(fiber.StatusConflict).JSON(webhookResponse{Received: false, Status: string(tokenledger.OutcomeInFlight)})

	case errors.Is(err, tokenledger.ErrDispatchBufferFull):
		// The record is durable; the replay worker picks it up once the
		// lease expires.
		return c.Status(fiber.StatusAccepted).JSON(webhookResponse{Received: true, Status: "deferred"})

	case errors.Is(err, tokenledger.ErrEngineStopped):
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: "shutting down"})

	default:
		s.logger.Error("webhook processing failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		return c.Status(fiber.StatusInternalServerError).JSON(webhookResponse{Received: false, Status: string(tokenledger.OutcomeFailed)})
	}
}

// ──────────────────────────────────────────────────
// Read path
// ──────────────────────────────────────────────────

func (s *Server) handleSubscription(c *fiber.Ctx) error {
	subID, err := id.ParseSubscriptionID(c.Params("id"))
	if err != nil {
		return badRequest(c, err)
	}
	sub, err := s.ledger.GetSubscription(c.UserContext(), subID)
	if err != nil {
		return s.readError(c, err)
	}
	return c.JSON(sub)
}

func (s *Server) handleSubscriptionByProvider(c *fiber.Ctx) error {
	sub, err := s.ledger.GetSubscriptionByProviderID(c.UserContext(), c.Params("providerId"))
	if err != nil {
		return s.readError(c, err)
	}
	return c.JSON(sub)
}

func (s *Server) handleBalance(c *fiber.Ctx) error {
	subID, err := id.ParseSubscriptionID(c.Params("id"))
	if err != nil {
		return badRequest(c, err)
	}
	bal, err := s.ledger.CurrentBalance(c.UserContext(), subID)
	if err != nil {
		return s.readError(c, err)
	}
	return c.JSON(bal)
}

func (s *Server) handleCycles(c *fiber.Ctx) error {
	subID, err := id.ParseSubscriptionID(c.Params("id"))
	if err != nil {
		return badRequest(c, err)
	}
	limit, offset := pageOpts(c)
	cycles, err := s.ledger.ListCycles(c.UserContext(), subID, cycle.ListOpts{Limit: limit, Offset: offset})
	if err != nil {
		return s.readError(c, err)
	}
	return c.JSON(fiber.Map{"cycles": cycles})
}

func (s *Server) handleEntries(c *fiber.Ctx) error {
	cycleID, err := id.ParseCycleID(c.Params("id"))
	if err != nil {
		return badRequest(c, err)
	}
	limit, offset := pageOpts(c)
	entries, err := s.ledger.ListEntries(c.UserContext(), cycleID, entry.ListOpts{
		Type:   entry.Type(c.Query("type")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return s.readError(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (s *Server) handleEvent(c *fiber.Ctx) error {
	rec, err := s.ledger.GetEventRecord(c.UserContext(), c.Params("eventId"))
	if err != nil {
		return s.readError(c, err)
	}
	return c.JSON(rec)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "bad_request", Message: err.Error()})
}

func (s *Server) readError(c *fiber.Ctx, err error) error {
	if tokenledger.IsNotFound(err) {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "not_found", Message: err.Error()})
	}
	s.logger.Error("read failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "internal"})
}
