package scrape

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplink/clinic-tracker/internal/model"
	"github.com/oplink/clinic-tracker/internal/scraper"
	"github.com/oplink/clinic-tracker/pkg/errors"
	"github.com/oplink/clinic-tracker/pkg/logger"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

type fixedClock struct {
	now time.Time
}

func (f fixedClock) Now() time.Time { return f.now }

type fakeScraper struct {
	code        string
	departments []model.DepartmentData
	deptErr     error
	slots       map[string][]model.DoctorSlot
	progress    map[string]*model.ClinicProgress
	progressErr error

	mu            sync.Mutex
	progressCalls []string
}

func (f *fakeScraper) HospitalCode() string { return f.code }

func (f *fakeScraper) FetchDepartments(ctx context.Context) ([]model.DepartmentData, error) {
	if f.deptErr != nil {
		return nil, f.deptErr
	}
	return f.departments, nil
}

func (f *fakeScraper) FetchSchedule(ctx context.Context, deptCode string) ([]model.DoctorSlot, error) {
	return f.slots[deptCode], nil
}

func (f *fakeScraper) FetchClinicProgress(ctx context.Context, room string, session model.SessionType) (*model.ClinicProgress, error) {
	f.mu.Lock()
	f.progressCalls = append(f.progressCalls, room)
	f.mu.Unlock()
	if f.progressErr != nil {
		return nil, f.progressErr
	}
	return f.progress[room], nil
}

type fakeHospitalRepo struct {
	hospitals   map[string]*model.Hospital
	departments map[uuid.UUID]*model.Department
	doctors     map[uuid.UUID][]*model.Doctor

	mu             sync.Mutex
	upsertedDepts  []string
	upsertedDoctor []string
}

func (f *fakeHospitalRepo) GetByCode(ctx context.Context, code string) (*model.Hospital, error) {
	h, ok := f.hospitals[code]
	if !ok {
		return nil, fmt.Errorf("hospital %s not found", code)
	}
	return h, nil
}

func (f *fakeHospitalRepo) List(ctx context.Context) ([]*model.Hospital, error) {
	return nil, nil
}

func (f *fakeHospitalRepo) UpsertDepartment(ctx context.Context, hospitalID uuid.UUID, dept model.DepartmentData) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertedDepts = append(f.upsertedDepts, dept.Code)
	for id, d := range f.departments {
		if d.Code == dept.Code {
			return id, nil
		}
	}
	id := uuid.New()
	f.departments[id] = &model.Department{Base: model.Base{ID: id}, HospitalID: hospitalID, Code: dept.Code, Name: dept.Name}
	return id, nil
}

func (f *fakeHospitalRepo) UpsertDoctor(ctx context.Context, hospitalID, departmentID uuid.UUID, doctorNo, name string, specialty *string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.doctors[departmentID] {
		if d.DoctorNo == doctorNo {
			return d.ID, nil
		}
	}
	id := uuid.New()
	deptID := departmentID
	f.doctors[departmentID] = append(f.doctors[departmentID], &model.Doctor{
		Base: model.Base{ID: id}, HospitalID: hospitalID, DepartmentID: &deptID, DoctorNo: doctorNo, Name: name, Specialty: specialty,
	})
	f.upsertedDoctor = append(f.upsertedDoctor, doctorNo)
	return id, nil
}

func (f *fakeHospitalRepo) GetDepartmentsByIDs(ctx context.Context, hospitalID uuid.UUID, ids []uuid.UUID) ([]*model.Department, error) {
	out := make([]*model.Department, 0, len(ids))
	for _, id := range ids {
		if d, ok := f.departments[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeHospitalRepo) GetDoctorDepartments(ctx context.Context, doctorIDs []uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for deptID, doctors := range f.doctors {
		for _, d := range doctors {
			for _, want := range doctorIDs {
				if d.ID == want {
					out = append(out, deptID)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeHospitalRepo) ListDoctorsByDepartment(ctx context.Context, departmentID uuid.UUID) ([]*model.Doctor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Doctor, len(f.doctors[departmentID]))
	copy(out, f.doctors[departmentID])
	return out, nil
}

type fakeSnapshotRepo struct {
	mu     sync.Mutex
	merged map[string]*model.AppointmentSnapshot
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{merged: make(map[string]*model.AppointmentSnapshot)}
}

func (f *fakeSnapshotRepo) UpsertMerge(ctx context.Context, snap *model.AppointmentSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged[snap.Key()] = model.MergeSnapshot(f.merged[snap.Key()], snap)
	return nil
}

func (f *fakeSnapshotRepo) GetLatest(ctx context.Context, doctorID uuid.UUID, sessionDate string, sessionType model.SessionType) (*model.AppointmentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", doctorID, sessionDate, sessionType)
	return f.merged[key], nil
}

type fakePairRepo struct {
	pairs []*model.TrackingSubscription
}

func (f *fakePairRepo) ListActiveForDate(ctx context.Context, sessionDate string) ([]*model.TrackingSubscription, error) {
	return nil, nil
}

func (f *fakePairRepo) ListTrackedPairs(ctx context.Context, fromDate string) ([]*model.TrackingSubscription, error) {
	return f.pairs, nil
}

func (f *fakePairRepo) MarkNotified(ctx context.Context, id uuid.UUID, threshold int) (bool, error) {
	return false, nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.FatalLevel, Output: io.Discard, TimeFormat: time.RFC3339})
}

// fixture wires one hospital with one department, one doctor and one slot.
type fixture struct {
	scraper  *fakeScraper
	registry *scraper.Registry
	hosp     *fakeHospitalRepo
	snaps    *fakeSnapshotRepo
	doctorID uuid.UUID
	deptID   uuid.UUID
}

func newFixture(t *testing.T, slot model.DoctorSlot) *fixture {
	t.Helper()
	hospID := uuid.New()
	deptID := uuid.New()

	hosp := &fakeHospitalRepo{
		hospitals: map[string]*model.Hospital{
			"CMUH": {Base: model.Base{ID: hospID}, Code: "CMUH", Name: "中國醫藥大學附設醫院"},
		},
		departments: map[uuid.UUID]*model.Department{
			deptID: {Base: model.Base{ID: deptID}, HospitalID: hospID, Code: "06", Name: "家醫科"},
		},
		doctors: map[uuid.UUID][]*model.Doctor{},
	}

	doctorID, err := hosp.UpsertDoctor(context.Background(), hospID, deptID, slot.DoctorNo, slot.DoctorName, nil)
	require.NoError(t, err)

	sc := &fakeScraper{
		code:     "CMUH",
		slots:    map[string][]model.DoctorSlot{"06": {slot}},
		progress: map[string]*model.ClinicProgress{},
	}
	registry := scraper.NewRegistry()
	registry.Register(sc)

	return &fixture{
		scraper:  sc,
		registry: registry,
		hosp:     hosp,
		snaps:    newFakeSnapshotRepo(),
		doctorID: doctorID,
		deptID:   deptID,
	}
}

func (fx *fixture) service(clk fixedClock, pairs ...*model.TrackingSubscription) Service {
	return NewService(
		fx.registry, fx.hosp, fx.snaps, &fakePairRepo{pairs: pairs},
		nil, clk,
		Config{RatePerSecond: 1000},
		testLogger(), metrics.New("test"),
	)
}

func trackedPair(fx *fixture, date string, st model.SessionType) *model.TrackingSubscription {
	deptID := fx.deptID
	return &model.TrackingSubscription{
		ID:           uuid.New(),
		DoctorID:     fx.doctorID,
		DepartmentID: &deptID,
		SessionDate:  date,
		SessionType:  st,
		HospitalCode: "CMUH",
	}
}

func quotaSlot(date string, st model.SessionType) model.DoctorSlot {
	quota := 60
	registered := 40
	return model.DoctorSlot{
		DoctorNo:       "D001",
		DoctorName:     "王大明",
		DepartmentCode: "06",
		SessionDate:    date,
		SessionType:    st,
		TotalQuota:     &quota,
		Registered:     &registered,
		ClinicRoom:     "0123",
	}
}

func TestScrapeTrackedFetchesProgressForOpenSession(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	slot := quotaSlot("2026-08-29", model.SessionMorning)
	fx := newFixture(t, slot)
	fx.scraper.progress["0123"] = &model.ClinicProgress{
		ClinicRoom:    "0123",
		SessionType:   model.SessionMorning,
		CurrentNumber: 27,
		WaitingList:   []int64{29, 31},
	}

	svc := fx.service(fixedClock{now: now}, trackedPair(fx, "2026-08-29", model.SessionMorning))
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	assert.Equal(t, []string{"0123"}, fx.scraper.progressCalls)

	snap, err := fx.snaps.GetLatest(context.Background(), fx.doctorID, "2026-08-29", model.SessionMorning)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NotNil(t, snap.CurrentNumber)
	assert.Equal(t, 27, *snap.CurrentNumber)
	assert.Equal(t, []int64{29, 31}, []int64(snap.WaitingList))
	assert.Equal(t, 60, *snap.TotalQuota)
}

func TestScrapeTrackedProgressCarriesQuotaAndRegistered(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	slot := quotaSlot("2026-08-29", model.SessionMorning)
	fx := newFixture(t, slot)
	quota, registered := 80, 42
	fx.scraper.progress["0123"] = &model.ClinicProgress{
		ClinicRoom:    "0123",
		SessionType:   model.SessionMorning,
		CurrentNumber: 27,
		TotalQuota:    &quota,
		Registered:    &registered,
	}

	svc := fx.service(fixedClock{now: now}, trackedPair(fx, "2026-08-29", model.SessionMorning))
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	snap, err := fx.snaps.GetLatest(context.Background(), fx.doctorID, "2026-08-29", model.SessionMorning)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NotNil(t, snap.TotalQuota)
	assert.Equal(t, 80, *snap.TotalQuota, "progress quota overrides the schedule's")
	require.NotNil(t, snap.CurrentRegistered)
	assert.Equal(t, 42, *snap.CurrentRegistered)
}

func TestScrapeTrackedCountsUpstreamRequests(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	slot := quotaSlot("2026-08-29", model.SessionMorning)
	fx := newFixture(t, slot)

	m := metrics.New("test")
	svc := NewService(
		fx.registry, fx.hosp, fx.snaps,
		&fakePairRepo{pairs: []*model.TrackingSubscription{trackedPair(fx, "2026-08-29", model.SessionMorning)}},
		nil, fixedClock{now: now},
		Config{RatePerSecond: 1000},
		testLogger(), m,
	)
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	// One schedule fetch plus one progress fetch.
	assert.Equal(t, float64(2), testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("CMUH", "ok")))
	assert.Zero(t, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("CMUH", "unavailable")))
}

func TestScrapeTrackedCountsUnavailableUpstream(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	slot := quotaSlot("2026-08-29", model.SessionMorning)
	fx := newFixture(t, slot)
	fx.scraper.progressErr = errors.UpstreamUnavailable("CMUH", fmt.Errorf("connection refused"))

	m := metrics.New("test")
	svc := NewService(
		fx.registry, fx.hosp, fx.snaps,
		&fakePairRepo{pairs: []*model.TrackingSubscription{trackedPair(fx, "2026-08-29", model.SessionMorning)}},
		nil, fixedClock{now: now},
		Config{RatePerSecond: 1000},
		testLogger(), m,
	)
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("CMUH", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("CMUH", "unavailable")))
}

func TestScrapeTrackedSkipsClosedSession(t *testing.T) {
	// 10:00 is before the 18:00 evening opening.
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	slot := quotaSlot("2026-08-29", model.SessionEvening)
	fx := newFixture(t, slot)

	svc := fx.service(fixedClock{now: now}, trackedPair(fx, "2026-08-29", model.SessionEvening))
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	assert.Empty(t, fx.scraper.progressCalls, "closed sessions must not be polled")

	// Schedule fields are still recorded.
	snap, err := fx.snaps.GetLatest(context.Background(), fx.doctorID, "2026-08-29", model.SessionEvening)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Nil(t, snap.CurrentNumber)
	assert.Equal(t, 60, *snap.TotalQuota)
}

func TestScrapeTrackedSkipsUntrackedDoctor(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	slot := quotaSlot("2026-08-29", model.SessionMorning)
	fx := newFixture(t, slot)

	other := trackedPair(fx, "2026-08-29", model.SessionMorning)
	other.DoctorID = uuid.New()

	svc := fx.service(fixedClock{now: now}, other)
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	assert.Empty(t, fx.scraper.progressCalls)
}

func TestScrapeTrackedNoActivePairs(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, quotaSlot("2026-08-29", model.SessionMorning))

	svc := fx.service(fixedClock{now: now})
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	assert.Empty(t, fx.scraper.progressCalls)
	assert.Empty(t, fx.snaps.merged)
}

func TestScrapeTrackedTodayOnlyFiltersFutureDates(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, quotaSlot("2026-08-29", model.SessionMorning))

	svc := fx.service(fixedClock{now: now}, trackedPair(fx, "2026-09-02", model.SessionMorning))
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true, TodayOnly: true}))

	assert.Empty(t, fx.snaps.merged, "future-dated pairs are out of scope for the morning sync")
}

func TestRefreshMasterDataSkipsCombinedDepartments(t *testing.T) {
	now := time.Date(2026, 8, 29, 3, 0, 0, 0, time.UTC)
	fx := newFixture(t, quotaSlot("2026-08-29", model.SessionMorning))
	fx.scraper.departments = []model.DepartmentData{
		{Code: "06", Name: "家醫科", HospitalCode: "CMUH"},
		{Code: "06_12", Name: "合併科", HospitalCode: "CMUH"},
	}

	svc := fx.service(fixedClock{now: now})
	require.NoError(t, svc.RefreshMasterData(context.Background()))

	assert.Equal(t, []string{"06"}, fx.hosp.upsertedDepts)
	assert.Empty(t, fx.scraper.progressCalls, "master refresh never polls live progress")
	assert.Len(t, fx.snaps.merged, 1)
}

func TestRefreshMasterDataHospitalFailureIsolated(t *testing.T) {
	now := time.Date(2026, 8, 29, 3, 0, 0, 0, time.UTC)
	fx := newFixture(t, quotaSlot("2026-08-29", model.SessionMorning))
	fx.scraper.departments = []model.DepartmentData{{Code: "06", Name: "家醫科", HospitalCode: "CMUH"}}

	broken := &fakeScraper{
		code:    "VGH",
		deptErr: errors.UpstreamUnavailable("VGH", fmt.Errorf("connect timeout")),
	}
	fx.registry.Register(broken)
	fx.hosp.hospitals["VGH"] = &model.Hospital{Base: model.Base{ID: uuid.New()}, Code: "VGH", Name: "臺北榮總"}

	svc := fx.service(fixedClock{now: now})
	require.NoError(t, svc.RefreshMasterData(context.Background()))

	// The broken hospital never prevents the healthy one from refreshing.
	assert.Len(t, fx.snaps.merged, 1)
}

func TestScrapeTrackedConcurrentCyclesDoNotShareDoctorLookups(t *testing.T) {
	// TrackedProgress and MorningSync are mutually exclusive per job, not
	// across jobs, so two tracked cycles can overlap (both fire at 08:00).
	// Each cycle must work on its own doctor-number lookup even while
	// discovering doctors the cached lookup does not know yet.
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	slot := quotaSlot("2026-08-29", model.SessionMorning)
	fx := newFixture(t, slot)

	newDoctor := quotaSlot("2026-08-29", model.SessionMorning)
	newDoctor.DoctorNo = "D777"
	newDoctor.DoctorName = "陳新人"
	newDoctor.ClinicRoom = "0456"
	fx.scraper.slots["06"] = []model.DoctorSlot{slot, newDoctor}

	svc := fx.service(fixedClock{now: now}, trackedPair(fx, "2026-08-29", model.SessionMorning))

	// Warm the lookup cache before D777 exists in it.
	require.NoError(t, svc.ScrapeTracked(context.Background(), Options{SkipJitter: true}))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.ScrapeTracked(context.Background(), Options{SkipJitter: true})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := fx.snaps.GetLatest(context.Background(), fx.doctorID, "2026-08-29", model.SessionMorning)
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestParseDoctorName(t *testing.T) {
	name, specialty := parseDoctorName("王大明(教學診)")
	assert.Equal(t, "王大明", name)
	require.NotNil(t, specialty)
	assert.Equal(t, "教學診", *specialty)

	name, specialty = parseDoctorName("李小華")
	assert.Equal(t, "李小華", name)
	assert.Nil(t, specialty)
}
