package controller

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"mailfinder/models"
)

type jobProgress struct {
	JobID     string           `json:"job_id"`
	Message   string           `json:"message"`
	Percent   int              `json:"percent"`
	Status    models.JobStatus `json:"status"`
	Processed int              `json:"processed"`
	Total     int              `json:"total"`
}

// UpgradeJobProgress rejects non-websocket requests and unknown jobs before
// the upgrade.
func (vc *VerificationController) UpgradeJobProgress(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, err := vc.loadJob(c); err != nil {
		return err
	}
	return c.Next()
}

// HandleJobProgressWS pushes the job's progress until it reaches a terminal
// state or the client goes away.
func (vc *VerificationController) HandleJobProgressWS(c *websocket.Conn) {
	defer c.Close()
	id := c.Params("id")
	log := vc.Logger.WithField("job_id", id)

	// The read loop only notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(vc.ProgressInterval)
	defer ticker.Stop()

	var last jobProgress
	for {
		job, err := vc.Store.GetJob(context.Background(), id)
		if err != nil {
			log.WithError(err).Warn("Progress stream lost its job")
			return
		}

		progress := jobProgress{
			JobID:     job.PublicID,
			Message:   progressMessage(job),
			Percent:   job.Percent(),
			Status:    job.Status,
			Processed: job.Processed,
			Total:     job.Total,
		}
		if progress != last {
			if err := c.WriteJSON(progress); err != nil {
				log.WithError(err).Debug("Error writing progress")
				return
			}
			last = progress
		}
		if job.Terminal() {
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

func progressMessage(job *models.VerificationJob) string {
	switch job.Status {
	case models.JobPending:
		return "Waiting in queue..."
	case models.JobCompleted:
		return "Job completed!"
	case models.JobFailed:
		return "Job failed: " + job.Error
	default:
		return "Processing rows..."
	}
}
