// Package cmuh scrapes the CMUH (中國醫藥大學附設醫院) online appointment
// site. The upstream contract is HTML rendered for browsers, so extraction
// is regex-driven and deliberately tolerant: anything unparseable is
// dropped, never fatal.
package cmuh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oplink/clinic-tracker/internal/model"
	"github.com/oplink/clinic-tracker/internal/scraper"
	"github.com/oplink/clinic-tracker/pkg/errors"
	"github.com/oplink/clinic-tracker/pkg/logger"
)

const (
	HospitalCode = "CMUH"
	baseURL      = "https://www.cmuh.cmu.edu.tw"
	scheduleURL  = "https://appointment.cmuh.org.tw/cgi-bin/reg52.cgi"

	maxAttempts = 3
	retryBase   = 2 * time.Second
)

var (
	deptLinkRe    = regexp.MustCompile(`(?s)<a[^>]+href="[^"]*table=([A-Za-z0-9]+)[^"]*"[^>]*>(.*?)</a>`)
	doctorLinkRe  = regexp.MustCompile(`(?s)<a[^>]+href="[^"]*DocNo=([A-Za-z0-9]+)[^"]*"[^>]*>(.*?)</a>`)
	rowRe         = regexp.MustCompile(`(?s)<tr[^>]*>(.*?)</tr>`)
	cellRe        = regexp.MustCompile(`(?s)<t[dh][^>]*>(.*?)</t[dh]>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	rocDateRe     = regexp.MustCompile(`\d{3}/\d{2}/\d{2}`)
	registeredRe  = regexp.MustCompile(`已掛號：(\d+)`)
	clinicRoomRe  = regexp.MustCompile(`\((\d+)診\)`)
	currentNumRe  = regexp.MustCompile(`目前看診號[：:]\s*(\d+)`)
	fallbackNumRe = regexp.MustCompile(`(\d+)\s*號`)
)

type Scraper struct {
	client      *http.Client
	logger      *logger.Logger
	baseURL     string
	scheduleURL string
}

var _ scraper.Scraper = (*Scraper)(nil)

func New(timeout time.Duration, log *logger.Logger) *Scraper {
	return &Scraper{
		client:      &http.Client{Timeout: timeout},
		logger:      log.WithFields(map[string]interface{}{"scraper": HospitalCode}),
		baseURL:     baseURL,
		scheduleURL: scheduleURL,
	}
}

func (s *Scraper) HospitalCode() string {
	return HospitalCode
}

func (s *Scraper) FetchDepartments(ctx context.Context) ([]model.DepartmentData, error) {
	html, err := s.get(ctx, s.baseURL+"/OnlineAppointment/AppointmentByDivision", url.Values{"flag": {"first"}})
	if err != nil {
		return nil, errors.UpstreamUnavailable(HospitalCode, err)
	}

	seen := make(map[string]bool)
	var departments []model.DepartmentData
	for _, m := range deptLinkRe.FindAllStringSubmatch(html, -1) {
		code := m[1]
		name := stripTags(m[2])
		if name == "" || seen[code] {
			continue
		}
		seen[code] = true
		departments = append(departments, model.DepartmentData{
			Name:         name,
			Code:         code,
			HospitalCode: HospitalCode,
			SortOrder:    len(departments),
		})
	}
	return departments, nil
}

func (s *Scraper) FetchSchedule(ctx context.Context, deptCode string) ([]model.DoctorSlot, error) {
	html, err := s.get(ctx, s.baseURL+"/OnlineAppointment/DymSchedule", url.Values{"table": {deptCode}, "flag": {"first"}})
	if err != nil {
		return nil, errors.UpstreamUnavailable(HospitalCode, err)
	}

	seen := make(map[string]bool)
	var slots []model.DoctorSlot
	for _, m := range doctorLinkRe.FindAllStringSubmatch(html, -1) {
		docNo := m[1]
		docName := stripTags(m[2])
		if docName == "" || seen[docNo] {
			continue
		}
		seen[docNo] = true

		docSlots, err := s.fetchDoctorSlots(ctx, docNo, docName, deptCode)
		if err != nil {
			s.logger.Warn("failed to fetch doctor schedule", "doctor_no", docNo, "error", err.Error())
			continue
		}
		slots = append(slots, docSlots...)
	}
	return slots, nil
}

// fetchDoctorSlots reads the appointment backend's CGI schedule grid. Rows
// are session periods, columns weekdays; each cell can hold several ROC-date
// blocks like "115/02/23已掛號：58 人(230診)".
func (s *Scraper) fetchDoctorSlots(ctx context.Context, docNo, docName, deptCode string) ([]model.DoctorSlot, error) {
	// The appointment backend prefixes doctor numbers with D.
	backendNo := docNo
	if !strings.HasPrefix(backendNo, "D") {
		backendNo = "D" + backendNo
	}

	html, err := s.get(ctx, s.scheduleURL, url.Values{"DocNo": {backendNo}, "Docname": {docName}})
	if err != nil {
		return nil, err
	}

	var slots []model.DoctorSlot
	for _, row := range rowRe.FindAllStringSubmatch(html, -1) {
		cells := cellRe.FindAllStringSubmatch(row[1], -1)
		if len(cells) < 2 {
			continue
		}

		sessionType, err := model.ParseSessionType(sessionToken(stripTags(cells[0][1])))
		if err != nil {
			continue
		}

		for _, cell := range cells[1:] {
			text := stripTags(cell[1])
			for _, block := range splitDateBlocks(text) {
				sessionDate, ok := parseROCDate(rocDateRe.FindString(block))
				if !ok {
					continue
				}
				slot := model.DoctorSlot{
					DoctorNo:       docNo,
					DoctorName:     docName,
					DepartmentCode: deptCode,
					SessionDate:    sessionDate,
					SessionType:    sessionType,
				}
				if m := registeredRe.FindStringSubmatch(block); m != nil {
					if n, err := strconv.Atoi(m[1]); err == nil {
						slot.Registered = &n
					}
				}
				if m := clinicRoomRe.FindStringSubmatch(block); m != nil {
					slot.ClinicRoom = m[1]
				}
				if strings.Contains(block, "額滿") || strings.Contains(block, "掛滿") {
					slot.IsFull = true
				}
				slots = append(slots, slot)
			}
		}
	}
	return slots, nil
}

func (s *Scraper) FetchClinicProgress(ctx context.Context, room string, session model.SessionType) (*model.ClinicProgress, error) {
	html, err := s.postForm(ctx, s.baseURL+"/OnlineAppointment/ClinicQuery", url.Values{
		"ClinicRoom": {room},
		"TimePeriod": {session.PeriodCode()},
	})
	if err != nil {
		// The query endpoint 404s before a session opens; that is "no data",
		// not an upstream failure.
		return nil, nil
	}

	text := stripTags(html)
	var current int
	if m := currentNumRe.FindStringSubmatch(text); m != nil {
		current, _ = strconv.Atoi(m[1])
	} else if m := fallbackNumRe.FindStringSubmatch(text); m != nil {
		current, _ = strconv.Atoi(m[1])
	} else {
		return nil, nil
	}

	return &model.ClinicProgress{
		ClinicRoom:    room,
		SessionType:   session,
		CurrentNumber: current,
		Status:        model.SnapshotStatusInProgress,
	}, nil
}

func (s *Scraper) get(ctx context.Context, rawURL string, params url.Values) (string, error) {
	return s.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		setHeaders(req)
		return req, nil
	})
}

func (s *Scraper) postForm(ctx context.Context, rawURL string, form url.Values) (string, error) {
	return s.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		setHeaders(req)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// do issues a request with bounded exponential-backoff retries.
func (s *Scraper) do(ctx context.Context, build func() (*http.Request, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBase * time.Duration(1<<(attempt-1))):
			}
		}

		req, err := build()
		if err != nil {
			return "", err
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := readBody(resp)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
			continue
		}
		return body, nil
	}
	return "", lastErr
}

func setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Set("Accept-Language", "zh-TW,zh;q=0.9,en;q=0.8")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Referer", baseURL+"/")
}

func stripTags(html string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(html, ""))
}

// sessionToken extracts the session marker from a row-header cell, which
// often carries extra text around 上午/下午/晚上.
func sessionToken(text string) string {
	for _, token := range []string{"上午", "下午", "晚上"} {
		if strings.Contains(text, token) {
			return token
		}
	}
	return text
}

// splitDateBlocks cuts a schedule cell into per-date blocks, each starting
// at a ROC date.
func splitDateBlocks(text string) []string {
	locs := rocDateRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	blocks := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		blocks = append(blocks, text[loc[0]:end])
	}
	return blocks
}

// parseROCDate converts "115/02/23" (Republic of China calendar) into a
// civil date string.
func parseROCDate(v string) (string, bool) {
	parts := strings.Split(v, "/")
	if len(parts) != 3 {
		return "", false
	}
	year, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	day, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", false
	}
	t := time.Date(year+1911, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Format("2006-01-02"), true
}

func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
