package job

import (
	"strings"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
	"github.com/ahmethakanbesel/marketsync/internal/market"
)

type SubmitJobRequest struct {
	Dataset     string   `json:"dataset"`
	Mode        string   `json:"mode"`
	Instruments []string `json:"instruments"`
	Exchanges   []string `json:"exchanges"`
	StartDate   string   `json:"startDate"`
	EndDate     string   `json:"endDate"`
	Workers     int      `json:"workers"`
}

func (r SubmitJobRequest) Validate() *apperror.AppError {
	if _, err := market.LookupDataset(r.Dataset); err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	if r.Mode != "" && !Mode(r.Mode).Valid() {
		return apperror.Newf(apperror.BadRequest, "unknown mode %q", r.Mode)
	}
	if r.Workers < 0 {
		return apperror.New(apperror.BadRequest, "workers must not be negative")
	}
	for _, s := range r.Instruments {
		if strings.TrimSpace(s) == "" {
			return apperror.New(apperror.BadRequest, "instrument codes must not be empty")
		}
	}
	_, err := r.params()
	return err
}

func (r SubmitJobRequest) params() (Params, *apperror.AppError) {
	p := Params{Instruments: r.Instruments, Exchanges: r.Exchanges}
	var err error
	if r.StartDate != "" {
		if p.StartDate, err = market.ParseDate(r.StartDate); err != nil {
			return p, apperror.New(apperror.BadRequest, "invalid startDate")
		}
	}
	if r.EndDate != "" {
		if p.EndDate, err = market.ParseDate(r.EndDate); err != nil {
			return p, apperror.New(apperror.BadRequest, "invalid endDate")
		}
	}
	if !p.StartDate.IsZero() && !p.EndDate.IsZero() && p.EndDate.Before(p.StartDate) {
		return p, apperror.New(apperror.BadRequest, "endDate must not be before startDate")
	}
	return p, nil
}

type GetJobRequest struct {
	ID int64
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if r.ID <= 0 {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Dataset string
	Status  string
	Limit   uint64
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	switch Status(r.Status) {
	case "", StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusPartial:
	default:
		return apperror.Newf(apperror.BadRequest, "unknown status %q", r.Status)
	}
	return nil
}
