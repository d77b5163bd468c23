package servicemocks

import (
	"bytes"
	"context"
	"io"

	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/bulk-jobs-api/internal/service"
)

var errNotFound = repository.ErrNotFound

// MockImportService is a hand-rolled ImportService for handler tests.
type MockImportService struct {
	Jobs          map[string]*models.ImportJob
	ByKey         map[string]*models.ImportJob
	CreateErr     error
	LastUploaded  []byte
	ProcessCalls  int
	ProcessErr    error
	LastProcessed *models.JobData
}

func NewMockImportService() *MockImportService {
	return &MockImportService{
		Jobs:  make(map[string]*models.ImportJob),
		ByKey: make(map[string]*models.ImportJob),
	}
}

func (m *MockImportService) CreateJob(ctx context.Context, req *models.ImportRequest, upload *service.Upload) (*models.ImportJob, bool, error) {
	if m.CreateErr != nil {
		return nil, false, m.CreateErr
	}
	if req.IdempotencyKey != "" {
		if existing, ok := m.ByKey[req.IdempotencyKey]; ok {
			return existing, true, nil
		}
	}
	if upload != nil {
		data, err := io.ReadAll(upload.Reader)
		if err != nil {
			return nil, false, err
		}
		m.LastUploaded = data
	}
	job := &models.ImportJob{
		ID:             "import-" + req.Resource,
		IdempotencyKey: req.IdempotencyKey,
		Resource:       models.ResourceType(req.Resource),
		Status:         models.JobStatusPending,
	}
	m.Jobs[job.ID] = job
	if req.IdempotencyKey != "" {
		m.ByKey[req.IdempotencyKey] = job
	}
	return job, false, nil
}

func (m *MockImportService) Process(ctx context.Context, data *models.JobData) error {
	m.ProcessCalls++
	m.LastProcessed = data
	return m.ProcessErr
}

func (m *MockImportService) GetJob(ctx context.Context, id string) (*models.ImportJob, error) {
	if job, ok := m.Jobs[id]; ok {
		return job, nil
	}
	return nil, errNotFound
}

// MockExportService is a hand-rolled ExportService for handler tests.
type MockExportService struct {
	Jobs         map[string]*models.ExportJob
	Counts       map[models.ResourceType]int
	CreateErr    error
	StreamBody   string
	ProcessCalls int
	ProcessErr   error
}

func NewMockExportService() *MockExportService {
	return &MockExportService{
		Jobs:   make(map[string]*models.ExportJob),
		Counts: make(map[models.ResourceType]int),
	}
}

func (m *MockExportService) CreateJob(ctx context.Context, req *models.ExportRequest) (*models.ExportJob, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	job := &models.ExportJob{
		ID:       "export-" + req.Resource,
		Resource: models.ResourceType(req.Resource),
		Format:   models.Format(req.Format),
		Status:   models.JobStatusPending,
		Filters:  req.Filters,
		Fields:   req.Fields,
	}
	m.Jobs[job.ID] = job
	return job, nil
}

func (m *MockExportService) Process(ctx context.Context, data *models.JobData) error {
	m.ProcessCalls++
	return m.ProcessErr
}

func (m *MockExportService) GetJob(ctx context.Context, id string) (*models.ExportJob, error) {
	if job, ok := m.Jobs[id]; ok {
		return job, nil
	}
	return nil, errNotFound
}

func (m *MockExportService) Stream(ctx context.Context, resource models.ResourceType, format models.Format, filters *models.ExportFilters, fields []string) (*service.StreamResult, error) {
	return &service.StreamResult{
		Reader:      io.NopCloser(bytes.NewBufferString(m.StreamBody)),
		ContentType: format.ContentType(),
		FileName:    string(resource) + "." + format.Ext(),
	}, nil
}

func (m *MockExportService) GetCount(ctx context.Context, resource models.ResourceType) (int, error) {
	return m.Counts[resource], nil
}
