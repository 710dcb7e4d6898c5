package controller

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailfinder/models"
	"mailfinder/utils"
)

// MaxBulkRows bounds a single upload.
const MaxBulkRows = 50000

const recentErrorLimit = 5

// BulkFind accepts a CSV with first_name, last_name and domain columns.
func (vc *VerificationController) BulkFind(c *fiber.Ctx) error {
	return vc.submit(c, models.JobTypeFind, "first_name", "last_name", "domain")
}

// BulkVerify accepts a CSV with an email column.
func (vc *VerificationController) BulkVerify(c *fiber.Ctx) error {
	return vc.submit(c, models.JobTypeVerify, "email")
}

func (vc *VerificationController) submit(c *fiber.Ctx, typ models.JobType, required ...string) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "A CSV file is required in the \"file\" field", err)
	}
	f, err := fh.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Cannot read uploaded file", err)
	}
	defer f.Close()

	records, err := utils.ReadCSV(f, required...)
	if errors.Is(err, utils.ErrCSVSchema) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Cannot read uploaded file", err)
	}
	if len(records) > MaxBulkRows {
		return utils.ErrorResponse(c, fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("At most %d rows per upload", MaxBulkRows), nil)
	}

	internetChecks, _ := strconv.ParseBool(c.FormValue("internet_checks", "false"))
	job := &models.VerificationJob{
		PublicID:       uuid.NewString(),
		Type:           typ,
		Status:         models.JobPending,
		FileName:       fh.Filename,
		Total:          len(records),
		InternetChecks: internetChecks,
	}
	rows := make([]models.JobRow, len(records))
	for i, rec := range records {
		rows[i] = models.JobRow{
			RowIndex:  i,
			Email:     rec["email"],
			FirstName: rec["first_name"],
			LastName:  rec["last_name"],
			Domain:    rec["domain"],
			Status:    models.RowPending,
		}
	}

	ctx := c.UserContext()
	if err := vc.Store.CreateJob(ctx, job, rows); err != nil {
		utils.LogError("job_create_failed", err, map[string]interface{}{"type": typ, "rows": len(rows)})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create job", nil)
	}
	if err := vc.Queue.Enqueue(job.PublicID); err != nil {
		job.Status = models.JobFailed
		job.Error = err.Error()
		_ = vc.Store.UpdateJob(ctx, job)
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Server is busy, try again later", err)
	}

	utils.LogEvent("job_submitted", map[string]interface{}{
		"job_id": job.PublicID,
		"type":   string(typ),
		"rows":   job.Total,
		"client": clientID(c),
	})
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"job_id":     job.PublicID,
		"total_rows": job.Total,
	}))
}

type jobError struct {
	Row   int    `json:"row"`
	Input string `json:"input"`
	Error string `json:"error"`
}

// JobStatus reports progress, counters and the most recent row errors.
func (vc *VerificationController) JobStatus(c *fiber.Ctx) error {
	job, err := vc.loadJob(c)
	if err != nil {
		return err
	}

	recent, err := vc.Store.RecentErrors(c.UserContext(), job.ID, recentErrorLimit)
	if err != nil {
		vc.Logger.WithField("job_id", job.PublicID).WithError(err).Warn("Failed to load job errors")
	}
	errs := make([]jobError, 0, len(recent))
	for _, r := range recent {
		errs = append(errs, jobError{Row: r.RowIndex, Input: rowInput(r), Error: r.Error})
	}

	body := fiber.Map{
		"job":            job,
		"percent":        job.Percent(),
		"recent_errors":  errs,
		"download_ready": job.Status == models.JobCompleted,
	}
	if job.Status == models.JobCompleted {
		body["download_url"] = c.BaseURL() + strings.TrimSuffix(c.Path(), "/") + "/download"
	}
	return c.JSON(utils.SuccessResponse(body))
}

// DownloadJob streams the results of a completed job as CSV.
func (vc *VerificationController) DownloadJob(c *fiber.Ctx) error {
	job, err := vc.loadJob(c)
	if err != nil {
		return err
	}
	if job.Status != models.JobCompleted {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Job output not ready", nil)
	}

	rows, err := vc.Store.Rows(c.UserContext(), job.ID)
	if err != nil {
		utils.LogError("job_download_failed", err, map[string]interface{}{"job_id": job.PublicID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load job results", nil)
	}

	header, prefix := utils.VerifyCSVColumns, "email_verifier_results"
	if job.Type == models.JobTypeFind {
		header, prefix = utils.FindCSVColumns, "email_finder_results"
	}
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = csvRecord(job.Type, r)
	}

	var buf bytes.Buffer
	if err := utils.WriteCSV(&buf, header, records); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to render results", err)
	}

	finished := time.Now()
	if job.CompletedAt != nil {
		finished = *job.CompletedAt
	}
	c.Attachment(fmt.Sprintf("%s_%s.csv", prefix, finished.Format("20060102_150405")))
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	return c.Send(buf.Bytes())
}

func csvRecord(typ models.JobType, r models.JobRow) []string {
	confidence := utils.FormatConfidence(r.Confidence)
	if typ == models.JobTypeFind {
		return []string{r.FirstName, r.LastName, r.Domain, r.Email, r.Status, confidence, r.Reason}
	}
	return []string{r.Email, r.Status, confidence, r.Reason}
}

func rowInput(r models.JobRow) string {
	if r.Email != "" {
		return r.Email
	}
	return strings.TrimSpace(r.FirstName + " " + r.LastName + " @" + r.Domain)
}

var errJobNotFound = fiber.NewError(fiber.StatusNotFound, "Job not found")

// loadJob returns *fiber.Error values for the app's error handler to render.
func (vc *VerificationController) loadJob(c *fiber.Ctx) (*models.VerificationJob, error) {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return nil, errJobNotFound
	}
	job, err := vc.Store.GetJob(c.UserContext(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil, errJobNotFound
	}
	if err != nil {
		vc.Logger.WithFields(logrus.Fields{"job_id": id}).WithError(err).Error("Failed to load job")
		return nil, fiber.NewError(fiber.StatusInternalServerError, "Failed to load job")
	}
	return job, nil
}

func clientID(c *fiber.Ctx) string {
	id, _ := c.Locals("client").(string)
	return id
}
