package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moul.io/zapgorm2"

	"github.com/bigredeye/deploygate/internal/models"
)

type DataBase struct {
	*gorm.DB
}

type DuplicateKey struct {
	nested error
}

func (e *DuplicateKey) Error() string {
	return e.nested.Error()
}

func (e *DuplicateKey) Unwrap() error {
	return e.nested
}

func IsDuplicateKey(err error) bool {
	duplicateKey := &DuplicateKey{}
	return errors.As(err, &duplicateKey)
}

// https://github.com/go-gorm/gorm/issues/4037
func isUniqueViolation(err error) bool {
	perr := &pgconn.PgError{}
	if errors.As(err, &perr) {
		return perr.Code == "23505"
	}
	return false
}

func OpenDataBase(logger *zap.Logger, dsn string) (*DataBase, error) {
	zapLogger := zapgorm2.New(logger.Named("gorm"))
	zapLogger.SetAsDefault()
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: zapLogger,
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&models.Run{}, &models.Job{}, &models.Gate{})
	if err != nil {
		return nil, err
	}

	return &DataBase{db}, nil
}

func (db *DataBase) AddRun(ctx context.Context, run *models.Run) error {
	err := db.WithContext(ctx).Create(run).Error
	if err != nil && isUniqueViolation(err) {
		return &DuplicateKey{err}
	}
	return err
}

func (db *DataBase) FinishRun(ctx context.Context, run *models.Run) error {
	res := db.WithContext(ctx).Model(&models.Run{ID: run.ID}).
		Updates(map[string]interface{}{
			"result":      run.Result,
			"finished_at": run.FinishedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected < 1 {
		return fmt.Errorf("unknown run %s", run.ID)
	}
	return nil
}

func (db *DataBase) FindRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the latest runs, optionally of a single pipeline.
func (db *DataBase) ListRuns(ctx context.Context, pipeline string, limit int) (runs []models.Run, err error) {
	runs = make([]models.Run, 0)
	query := db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if pipeline != "" {
		query = query.Where("pipeline = ?", pipeline)
	}
	err = query.Find(&runs).Error
	if err != nil {
		runs = nil
	}
	return
}

func (db *DataBase) AddJob(ctx context.Context, job *models.Job) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "reason", "started_at", "finished_at", "exit_code", "stdout", "stderr", "error",
		}),
	}).Create(job).Error
}

func (db *DataBase) ListRunJobs(ctx context.Context, runID string) (jobs []models.Job, err error) {
	jobs = make([]models.Job, 0)
	err = db.WithContext(ctx).Order("id").Find(&jobs, "run_id = ?", runID).Error
	if err != nil {
		jobs = nil
	}
	return
}

func (db *DataBase) AddGate(ctx context.Context, gate *models.Gate) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "gate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "resolved_by", "resolved_at"}),
	}).Create(gate).Error
}

func (db *DataBase) ListRunGates(ctx context.Context, runID string) (gates []models.Gate, err error) {
	gates = make([]models.Gate, 0)
	err = db.WithContext(ctx).Order("id").Find(&gates, "run_id = ?", runID).Error
	if err != nil {
		gates = nil
	}
	return
}
