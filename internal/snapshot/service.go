package snapshot

import (
	"context"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
	"github.com/ahmethakanbesel/marketsync/internal/market"
)

type Service struct {
	writer *Writer
	repo   Repository
}

func NewService(writer *Writer, repo Repository) *Service {
	return &Service{writer: writer, repo: repo}
}

func (s *Service) Export(ctx context.Context, req ExportSnapshotRequest) (*Snapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	er, _ := req.exportRequest()
	return s.writer.Export(ctx, er)
}

type SnapshotDetail struct {
	*Snapshot
	Progress []Progress `json:"progress"`
}

func (s *Service) Get(ctx context.Context, id string) (*SnapshotDetail, error) {
	if id == "" {
		return nil, apperror.New(apperror.BadRequest, "invalid snapshot id")
	}
	snap, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	progress, err := s.repo.ListProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SnapshotDetail{Snapshot: snap, Progress: progress}, nil
}

type ExportSnapshotRequest struct {
	Dataset  string   `json:"dataset"`
	Universe []string `json:"universe"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	AsOf     string   `json:"asOf"`
}

func (r ExportSnapshotRequest) Validate() *apperror.AppError {
	ds, err := market.LookupDataset(r.Dataset)
	if err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	if ds.Kind != market.KindBars {
		return apperror.Newf(apperror.BadRequest, "dataset %s cannot be exported", ds.Name)
	}
	_, aerr := r.exportRequest()
	return aerr
}

func (r ExportSnapshotRequest) exportRequest() (ExportRequest, *apperror.AppError) {
	req := ExportRequest{Dataset: r.Dataset, Universe: r.Universe}
	if r.From == "" || r.To == "" {
		return req, apperror.New(apperror.BadRequest, "from and to are required")
	}
	var err error
	if req.From, err = market.ParseDate(r.From); err != nil {
		return req, apperror.New(apperror.BadRequest, "invalid from date")
	}
	if req.To, err = market.ParseDate(r.To); err != nil {
		return req, apperror.New(apperror.BadRequest, "invalid to date")
	}
	if req.To.Before(req.From) {
		return req, apperror.New(apperror.BadRequest, "to must not be before from")
	}
	if r.AsOf != "" {
		if req.AsOf, err = market.ParseDate(r.AsOf); err != nil {
			return req, apperror.New(apperror.BadRequest, "invalid asOf")
		}
	}
	return req, nil
}
