// Package scrape implements the three scheduled crawl cycles: the nightly
// master-data refresh, the tracked live-progress scrape, and the morning
// sync. Hospitals are independent concurrent units; a failure in one never
// blocks the others.
package scrape

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/oplink/clinic-tracker/internal/clock"
	"github.com/oplink/clinic-tracker/internal/model"
	"github.com/oplink/clinic-tracker/internal/repository"
	"github.com/oplink/clinic-tracker/internal/scraper"
	"github.com/oplink/clinic-tracker/internal/service/notification"
	"github.com/oplink/clinic-tracker/pkg/errors"
	"github.com/oplink/clinic-tracker/pkg/logger"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

// Options tunes one cycle invocation. SkipJitter drops the politeness delay
// for administrative "scrape now" runs; TodayOnly restricts the tracked set
// to sessions dated today.
type Options struct {
	SkipJitter bool
	TodayOnly  bool
}

type Service interface {
	// RefreshMasterData crawls departments, doctors and full schedules for
	// every configured hospital. It writes master data and schedule quota
	// fields only, never live progress.
	RefreshMasterData(ctx context.Context) error

	// ScrapeTracked crawls live progress for the (doctor, session) pairs
	// with at least one active subscription, then runs the notification
	// engine for today.
	ScrapeTracked(ctx context.Context, opts Options) error
}

type Config struct {
	JitterMin     time.Duration
	JitterMax     time.Duration
	RatePerSecond float64
}

type service struct {
	registry  *scraper.Registry
	hospitals repository.HospitalRepository
	snapshots repository.SnapshotRepository
	subs      repository.SubscriptionRepository
	notifier  notification.Service
	clock     clock.Clock
	cfg       Config

	// cache holds hospital and doctor-number lookups across cycles so the
	// tracked scrape does not re-read static reference data every N minutes.
	cache *gocache.Cache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rng      *rand.Rand

	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewService(
	registry *scraper.Registry,
	hospitals repository.HospitalRepository,
	snapshots repository.SnapshotRepository,
	subs repository.SubscriptionRepository,
	notifier notification.Service,
	clk clock.Clock,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) Service {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	return &service{
		registry:  registry,
		hospitals: hospitals,
		snapshots: snapshots,
		subs:      subs,
		notifier:  notifier,
		clock:     clk,
		cfg:       cfg,
		cache:     gocache.New(30*time.Minute, 10*time.Minute),
		limiters:  make(map[string]*rate.Limiter),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    log,
		metrics:   m,
	}
}

func (s *service) RefreshMasterData(ctx context.Context) error {
	codes := s.registry.Codes()
	s.logger.Info("master data refresh started", "hospitals", len(codes))

	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			if err := s.refreshHospitalMaster(ctx, code); err != nil {
				s.metrics.ScrapeFailures.WithLabelValues(code).Inc()
				s.logger.Warn("master data refresh failed for hospital", "hospital", code, "error", err.Error())
			}
		}(code)
	}
	wg.Wait()

	s.logger.Info("master data refresh complete")
	return nil
}

func (s *service) refreshHospitalMaster(ctx context.Context, code string) error {
	sc, err := s.registry.Get(code)
	if err != nil {
		return err
	}
	hosp, err := s.hospital(ctx, code)
	if err != nil {
		return err
	}

	departments, err := sc.FetchDepartments(ctx)
	s.observeUpstream(code, err)
	if err != nil {
		return err
	}
	s.logger.Info("fetched department list", "hospital", code, "departments", len(departments))

	for _, dept := range departments {
		// Combined/virtual listings carry underscored codes upstream and
		// duplicate real departments.
		if strings.Contains(dept.Code, "_") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.politeDelay(ctx, code, false)

		deptID, err := s.hospitals.UpsertDepartment(ctx, hosp.ID, dept)
		if err != nil {
			s.logger.Warn("failed to upsert department", "hospital", code, "department", dept.Code, "error", err.Error())
			continue
		}

		slots, err := sc.FetchSchedule(ctx, dept.Code)
		s.observeUpstream(code, err)
		if err != nil {
			s.logger.Warn("failed to fetch schedule", "hospital", code, "department", dept.Code, "error", err.Error())
			continue
		}

		doctorIDs := make(map[string]uuid.UUID)
		for _, slot := range slots {
			doctorID, ok := doctorIDs[slot.DoctorNo]
			if !ok {
				doctorID, err = s.upsertDoctor(ctx, hosp.ID, deptID, slot)
				if err != nil {
					s.logger.Error(err, "failed to upsert doctor", "hospital", code, "doctor_no", slot.DoctorNo)
					continue
				}
				doctorIDs[slot.DoctorNo] = doctorID
			}

			// Off-peak full scan: schedule fields only, live progress is
			// never fetched here.
			snap := snapshotFromSlot(doctorID, deptID, slot, s.clock.Now())
			if err := s.snapshots.UpsertMerge(ctx, snap); err != nil {
				s.logger.Warn("failed to merge master snapshot", "doctor_no", slot.DoctorNo, "error", err.Error())
				continue
			}
			s.metrics.SnapshotsMerged.Inc()
		}
	}
	return nil
}

func (s *service) ScrapeTracked(ctx context.Context, opts Options) error {
	today := clock.Today(s.clock)

	pairs, err := s.subs.ListTrackedPairs(ctx, today)
	if err != nil {
		return errors.PersistenceFailure("list tracked pairs", err)
	}
	if opts.TodayOnly {
		pairs = filterDate(pairs, today)
	}
	if len(pairs) == 0 {
		s.logger.Info("no active trackings, skipping targeted scrape")
		return nil
	}

	byHospital := make(map[string][]*model.TrackingSubscription)
	for _, p := range pairs {
		byHospital[p.HospitalCode] = append(byHospital[p.HospitalCode], p)
	}

	var wg sync.WaitGroup
	for code, hospitalPairs := range byHospital {
		wg.Add(1)
		go func(code string, hospitalPairs []*model.TrackingSubscription) {
			defer wg.Done()
			if err := s.scrapeHospitalTracked(ctx, code, hospitalPairs, opts); err != nil {
				s.metrics.ScrapeFailures.WithLabelValues(code).Inc()
				s.logger.Warn("tracked scrape failed for hospital", "hospital", code, "error", err.Error())
			}
		}(code, hospitalPairs)
	}
	wg.Wait()

	if s.notifier != nil {
		if err := s.notifier.CheckAndNotify(ctx, today); err != nil {
			s.logger.Error(err, "notification check failed")
		}
	}
	return nil
}

func (s *service) scrapeHospitalTracked(ctx context.Context, code string, pairs []*model.TrackingSubscription, opts Options) error {
	sc, err := s.registry.Get(code)
	if err != nil {
		return err
	}
	hosp, err := s.hospital(ctx, code)
	if err != nil {
		return err
	}

	// Tracked (doctor, session) pairs; scraping is per department, so the
	// departments covering them are resolved first.
	tracked := make(map[string]bool, len(pairs))
	deptIDSet := make(map[uuid.UUID]bool)
	var orphanDoctors []uuid.UUID
	for _, p := range pairs {
		tracked[pairKey(p.DoctorID, p.SessionDate, p.SessionType)] = true
		if p.DepartmentID != nil {
			deptIDSet[*p.DepartmentID] = true
		} else {
			orphanDoctors = append(orphanDoctors, p.DoctorID)
		}
	}
	if len(orphanDoctors) > 0 {
		ids, err := s.hospitals.GetDoctorDepartments(ctx, orphanDoctors)
		if err != nil {
			return errors.PersistenceFailure("resolve doctor departments", err)
		}
		for _, id := range ids {
			deptIDSet[id] = true
		}
	}

	deptIDs := make([]uuid.UUID, 0, len(deptIDSet))
	for id := range deptIDSet {
		deptIDs = append(deptIDs, id)
	}
	departments, err := s.hospitals.GetDepartmentsByIDs(ctx, hosp.ID, deptIDs)
	if err != nil {
		return errors.PersistenceFailure("load tracked departments", err)
	}

	for _, dept := range departments {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.politeDelay(ctx, code, opts.SkipJitter)

		slots, err := sc.FetchSchedule(ctx, dept.Code)
		s.observeUpstream(code, err)
		if err != nil {
			s.logger.Warn("failed to fetch tracked schedule", "hospital", code, "department", dept.Code, "error", err.Error())
			continue
		}

		doctorIDs, err := s.doctorNumbers(ctx, dept.ID)
		if err != nil {
			s.logger.Warn("failed to load doctors", "department", dept.Code, "error", err.Error())
			continue
		}

		for _, slot := range slots {
			doctorID, ok := doctorIDs[slot.DoctorNo]
			if !ok {
				doctorID, err = s.upsertDoctor(ctx, hosp.ID, dept.ID, slot)
				if err != nil {
					continue
				}
				doctorIDs[slot.DoctorNo] = doctorID
			}

			snap := snapshotFromSlot(doctorID, dept.ID, slot, s.clock.Now())

			// Live progress only for tracked pairs whose session has
			// opened; future or pre-opening sessions must not produce a
			// false empty snapshot.
			if tracked[pairKey(doctorID, slot.SessionDate, slot.SessionType)] &&
				slot.ClinicRoom != "" &&
				clock.SessionOpen(s.clock, slot.SessionDate, slot.SessionType) {
				s.politeDelay(ctx, code, opts.SkipJitter)
				progress, err := sc.FetchClinicProgress(ctx, slot.ClinicRoom, slot.SessionType)
				s.observeUpstream(code, err)
				if err != nil {
					s.logger.Warn("failed to fetch clinic progress",
						"hospital", code, "room", slot.ClinicRoom, "error", err.Error())
				} else if progress != nil {
					current := progress.CurrentNumber
					snap.CurrentNumber = &current
					snap.WaitingList = progress.WaitingList
					snap.ClinicQueueDetails = progress.ClinicQueueDetails
					if progress.TotalQuota != nil {
						snap.TotalQuota = progress.TotalQuota
					}
					if progress.Registered != nil {
						snap.CurrentRegistered = progress.Registered
					}
					if progress.Status != "" {
						snap.Status = progress.Status
					}
				}
			}

			if err := s.snapshots.UpsertMerge(ctx, snap); err != nil {
				s.logger.Warn("failed to merge snapshot", "doctor_no", slot.DoctorNo, "error", err.Error())
				continue
			}
			s.metrics.SnapshotsMerged.Inc()
		}
	}
	return nil
}

// politeDelay applies the randomized inter-request delay plus the
// per-hospital rate limit. The jitter is scheduling policy, skipped for
// administrative runs; the limiter always applies.
func (s *service) politeDelay(ctx context.Context, hospital string, skipJitter bool) {
	if !skipJitter && s.cfg.JitterMax > 0 {
		span := s.cfg.JitterMax - s.cfg.JitterMin
		s.mu.Lock()
		d := s.cfg.JitterMin
		if span > 0 {
			d += time.Duration(s.rng.Int63n(int64(span)))
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
	_ = s.limiter(hospital).Wait(ctx)
}

// observeUpstream counts one upstream request. Unavailable means the
// hospital's site failed after retries; error covers everything else.
func (s *service) observeUpstream(hospital string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.IsUpstreamUnavailable(err):
		status = "unavailable"
	default:
		status = "error"
	}
	s.metrics.UpstreamRequests.WithLabelValues(hospital, status).Inc()
}

func (s *service) limiter(hospital string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[hospital]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), 1)
		s.limiters[hospital] = l
	}
	return l
}

func (s *service) hospital(ctx context.Context, code string) (*model.Hospital, error) {
	if cached, ok := s.cache.Get("hospital:" + code); ok {
		return cached.(*model.Hospital), nil
	}
	hosp, err := s.hospitals.GetByCode(ctx, code)
	if err != nil {
		return nil, errors.PersistenceFailure("get hospital "+code, err)
	}
	s.cache.SetDefault("hospital:"+code, hosp)
	return hosp, nil
}

// doctorNumbers returns a private copy of the department's doctor-number
// lookup. Callers extend their copy with newly discovered doctors, and two
// cycles of the same job can overlap across jobs, so the cached map itself
// must never be handed out for mutation.
func (s *service) doctorNumbers(ctx context.Context, departmentID uuid.UUID) (map[string]uuid.UUID, error) {
	key := "doctors:" + departmentID.String()
	if cached, ok := s.cache.Get(key); ok {
		return copyDoctorNumbers(cached.(map[string]uuid.UUID)), nil
	}
	doctors, err := s.hospitals.ListDoctorsByDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]uuid.UUID, len(doctors))
	for _, d := range doctors {
		m[d.DoctorNo] = d.ID
	}
	s.cache.SetDefault(key, m)
	return copyDoctorNumbers(m), nil
}

func copyDoctorNumbers(m map[string]uuid.UUID) map[string]uuid.UUID {
	out := make(map[string]uuid.UUID, len(m))
	for no, id := range m {
		out[no] = id
	}
	return out
}

func (s *service) upsertDoctor(ctx context.Context, hospitalID, departmentID uuid.UUID, slot model.DoctorSlot) (uuid.UUID, error) {
	name, specialty := parseDoctorName(slot.DoctorName)
	return s.hospitals.UpsertDoctor(ctx, hospitalID, departmentID, slot.DoctorNo, name, specialty)
}

func snapshotFromSlot(doctorID, departmentID uuid.UUID, slot model.DoctorSlot, now time.Time) *model.AppointmentSnapshot {
	deptID := departmentID
	return &model.AppointmentSnapshot{
		DoctorID:          doctorID,
		DepartmentID:      &deptID,
		SessionDate:       slot.SessionDate,
		SessionType:       slot.SessionType,
		ClinicRoom:        slot.ClinicRoom,
		TotalQuota:        slot.TotalQuota,
		CurrentRegistered: slot.Registered,
		IsFull:            slot.IsFull,
		Status:            slot.Status,
		ScrapedAt:         now.UTC(),
	}
}

func pairKey(doctorID uuid.UUID, sessionDate string, st model.SessionType) string {
	return fmt.Sprintf("%s|%s|%s", doctorID, sessionDate, st)
}

func filterDate(pairs []*model.TrackingSubscription, date string) []*model.TrackingSubscription {
	out := pairs[:0]
	for _, p := range pairs {
		if p.SessionDate == date {
			out = append(out, p)
		}
	}
	return out
}

var doctorNameRe = regexp.MustCompile(`^(.+?)\((.+?)\)\s*$`)

// parseDoctorName splits "王醫師(教學診)" into the doctor's name and the
// parenthesized clinic specialty, which the upstream renders as part of the
// schedule slot rather than the name.
func parseDoctorName(raw string) (string, *string) {
	m := doctorNameRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return strings.TrimSpace(raw), nil
	}
	specialty := strings.TrimSpace(m[2])
	return strings.TrimSpace(m[1]), &specialty
}
