package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailfinder/models"
	"mailfinder/utils"
	"mailfinder/verifier"
)

const (
	defaultMaxResults = 2
	maxMaxResults     = 20
	maxMaxPatterns    = 60
)

// JobQueue accepts stored jobs for background processing.
type JobQueue interface {
	Enqueue(publicID string) error
}

type VerificationController struct {
	Verifier *verifier.Verifier
	Store    models.JobStore
	Queue    JobQueue
	Logger   logrus.FieldLogger

	// ProgressInterval paces job progress pushes on the websocket.
	ProgressInterval time.Duration
}

func NewVerificationController(v *verifier.Verifier, store models.JobStore, queue JobQueue, logger logrus.FieldLogger) *VerificationController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VerificationController{
		Verifier:         v,
		Store:            store,
		Queue:            queue,
		Logger:           logger,
		ProgressInterval: time.Second,
	}
}

type FindEmailRequest struct {
	FirstName              string   `json:"first_name" validate:"required,max=100"`
	LastName               string   `json:"last_name" validate:"required,max=100"`
	Domain                 string   `json:"domain" validate:"required,max=253"`
	MiddleName             string   `json:"middle_name" validate:"max=100"`
	MaxResults             int      `json:"max_results" validate:"gte=0"`
	MaxPatterns            int      `json:"max_patterns" validate:"gte=0"`
	CustomPatterns         []string `json:"custom_patterns" validate:"max=50,dive,max=100"`
	IncludeDefaultPatterns *bool    `json:"include_default_patterns"`
	InternetChecks         bool     `json:"internet_checks"`
	FastMode               bool     `json:"fast_mode"`
}

type VerifyEmailRequest struct {
	Email          string `json:"email" validate:"required,max=320"`
	InternetChecks bool   `json:"internet_checks"`
	FastMode       bool   `json:"fast_mode"`
}

// runOptions maps the per-request toggles. Fast mode skips catch-all detection.
func runOptions(internetChecks, fastMode bool) []verifier.RunOption {
	opts := []verifier.RunOption{verifier.WithAdvisories(internetChecks)}
	if fastMode {
		opts = append(opts, verifier.WithCatchAll(false))
	}
	return opts
}

type InternetCheckRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// finderOptions applies the result and pattern limits: results default to 2
// within 1..20, patterns default to four per result within results..60.
func (r FindEmailRequest) finderOptions() verifier.FinderOptions {
	results := r.MaxResults
	if results == 0 {
		results = defaultMaxResults
	}
	results = utils.ClampInt(results, 1, maxMaxResults)

	patterns := r.MaxPatterns
	if patterns == 0 {
		patterns = results * 4
	}
	patterns = utils.ClampInt(patterns, results, maxMaxPatterns)

	return verifier.FinderOptions{
		MaxResults: results,
		PatternOptions: verifier.PatternOptions{
			Middle:       r.MiddleName,
			Custom:       r.CustomPatterns,
			SkipDefaults: r.IncludeDefaultPatterns != nil && !*r.IncludeDefaultPatterns,
			Max:          patterns,
		},
	}
}

// FindEmail generates candidate addresses for a person and returns the best
// verified ones.
func (vc *VerificationController) FindEmail(c *fiber.Ctx) error {
	var req FindEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	opts := req.finderOptions()
	start := time.Now()
	result, err := vc.Verifier.GenerateAndVerify(c.UserContext(), req.FirstName, req.LastName, req.Domain, opts,
		runOptions(req.InternetChecks, req.FastMode)...)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Cannot generate candidates", err)
	}

	vc.Logger.WithFields(logrus.Fields{
		"domain":     result.Domain,
		"candidates": len(result.Candidates),
		"patterns":   opts.Max,
		"duration":   time.Since(start).String(),
	}).Info("Find completed")

	best, _ := result.Best()
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"first_name": result.FirstName,
		"last_name":  result.LastName,
		"domain":     result.Domain,
		"emails":     result.Candidates,
		"best":       best.Email,
	}))
}

// VerifyEmail verifies a single address. Syntax errors are reported in the
// result, not as a failed request.
func (vc *VerificationController) VerifyEmail(c *fiber.Ctx) error {
	var req VerifyEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	result := vc.Verifier.Verify(c.UserContext(), req.Email, runOptions(req.InternetChecks, req.FastMode)...)
	vc.Logger.WithFields(logrus.Fields{
		"domain":     result.Address.Domain,
		"status":     result.Status,
		"confidence": result.Score,
	}).Info("Verification completed")

	return c.JSON(utils.SuccessResponse(result))
}

// InternetCheck runs only the advisory lookups for an address.
func (vc *VerificationController) InternetCheck(c *fiber.Ctx) error {
	var req InternetCheckRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	signals := vc.Verifier.RunAdvisories(c.UserContext(), req.Email)
	if signals == nil {
		signals = []verifier.AdvisorySignal{}
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"email":   req.Email,
		"signals": signals,
	}))
}
