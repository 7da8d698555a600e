package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/oplink/clinic-tracker/internal/model"
)

func (r *hospitalRepository) GetByCode(ctx context.Context, code string) (*model.Hospital, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, name, code, base_url, is_active, created_at, updated_at
		FROM hospitals
		WHERE code = $1
	`
	var hospital model.Hospital
	if err := r.getContext(ctx, "hospital_get_by_code", &hospital, query, code); err != nil {
		return nil, fmt.Errorf("failed to get hospital %s: %w", code, err)
	}
	return &hospital, nil
}

func (r *hospitalRepository) List(ctx context.Context) ([]*model.Hospital, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, name, code, base_url, is_active, created_at, updated_at
		FROM hospitals
		WHERE is_active = TRUE
		ORDER BY code
	`
	var hospitals []*model.Hospital
	if err := r.selectContext(ctx, "hospital_list", &hospitals, query); err != nil {
		return nil, fmt.Errorf("failed to list hospitals: %w", err)
	}
	return hospitals, nil
}

func (r *hospitalRepository) UpsertDepartment(ctx context.Context, hospitalID uuid.UUID, dept model.DepartmentData) (uuid.UUID, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO departments (id, hospital_id, name, code, category, sort_order, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (hospital_id, code) DO UPDATE SET
			name = EXCLUDED.name,
			category = COALESCE(EXCLUDED.category, departments.category),
			sort_order = EXCLUDED.sort_order,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	var id uuid.UUID
	err := r.getContext(ctx, "department_upsert", &id, query,
		uuid.New(), hospitalID, dept.Name, dept.Code, dept.Category, dept.SortOrder, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert department %s: %w", dept.Code, err)
	}
	return id, nil
}

func (r *hospitalRepository) UpsertDoctor(ctx context.Context, hospitalID uuid.UUID, departmentID uuid.UUID, doctorNo, name string, specialty *string) (uuid.UUID, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO doctors (id, hospital_id, department_id, doctor_no, name, specialty, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (hospital_id, doctor_no, department_id) DO UPDATE SET
			name = EXCLUDED.name,
			specialty = COALESCE(EXCLUDED.specialty, doctors.specialty),
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	var id uuid.UUID
	err := r.getContext(ctx, "doctor_upsert", &id, query,
		uuid.New(), hospitalID, departmentID, doctorNo, name, specialty, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert doctor %s: %w", doctorNo, err)
	}
	return id, nil
}

func (r *hospitalRepository) GetDepartmentsByIDs(ctx context.Context, hospitalID uuid.UUID, ids []uuid.UUID) ([]*model.Department, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, hospital_id, name, code, category, sort_order, is_active, created_at, updated_at
		FROM departments
		WHERE hospital_id = $1 AND id = ANY($2)
	`
	var departments []*model.Department
	if err := r.selectContext(ctx, "department_get_by_ids", &departments, query, hospitalID, pq.Array(uuidStrings(ids))); err != nil {
		return nil, fmt.Errorf("failed to get departments: %w", err)
	}
	return departments, nil
}

func (r *hospitalRepository) GetDoctorDepartments(ctx context.Context, doctorIDs []uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT DISTINCT department_id
		FROM doctors
		WHERE id = ANY($1) AND department_id IS NOT NULL
	`
	var ids []uuid.UUID
	if err := r.selectContext(ctx, "doctor_departments", &ids, query, pq.Array(uuidStrings(doctorIDs))); err != nil {
		return nil, fmt.Errorf("failed to get doctor departments: %w", err)
	}
	return ids, nil
}

func (r *hospitalRepository) ListDoctorsByDepartment(ctx context.Context, departmentID uuid.UUID) ([]*model.Doctor, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, hospital_id, department_id, doctor_no, name, specialty, is_active, created_at, updated_at
		FROM doctors
		WHERE department_id = $1
	`
	var doctors []*model.Doctor
	if err := r.selectContext(ctx, "doctor_list_by_department", &doctors, query, departmentID); err != nil {
		return nil, fmt.Errorf("failed to list doctors: %w", err)
	}
	return doctors, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
