// Package hmmh scrapes the HMMH (馬偕紀念醫院新竹分院) registration site.
// Departments come from find_division.php, live queue state from
// progressstatus.php. The "room" passed to the progress query is the
// department code; HMMH has no per-room clinic query.
package hmmh

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
	HospitalCode = "HMMH"
	baseURL      = "https://www.hc.mmh.org.tw"

	maxAttempts = 3
	retryBase   = 2 * time.Second
)

var (
	deptLinkRe = regexp.MustCompile(`(?s)<a[^>]+href="([^"]*depid=(\d+)[^"]*)"[^>]*>(.*?)</a>`)
	tableRe    = regexp.MustCompile(`(?s)<table[^>]*class="[^"]*(?:regtable|resp-table)[^"]*"[^>]*>(.*?)</table>`)
	rowRe      = regexp.MustCompile(`(?s)<tr[^>]*>(.*?)</tr>`)
	cellRe     = regexp.MustCompile(`(?s)<td[^>]*>(.*?)</td>`)
	tagRe      = regexp.MustCompile(`<[^>]*>`)
	digitsRe   = regexp.MustCompile(`^\d+$`)
)

// departmentCategories groups HMMH departments the way the hospital's own
// site organizes them. Names missing from the table fall back to 其他專科.
var departmentCategories = map[string]string{
	"一般內科":   "內科系",
	"神經內科":   "內科系",
	"心臟內科":   "內科系",
	"胸腔內科":   "內科系",
	"腸胃肝膽內科": "內科系",
	"腎臟內科":   "內科系",
	"風濕免疫科":  "內科系",
	"新陳代謝科":  "內科系",
	"感染科":    "內科系",
	"家庭醫學科":  "內科系",
	"精神科":    "內科系",
	"血液腫瘤科":  "內科系",
	"一般外科":   "外科系",
	"神經外科":   "外科系",
	"心臟血管外科": "外科系",
	"大腸直腸外科": "外科系",
	"整形外科":   "外科系",
	"泌尿科":    "外科系",
	"骨科":     "外科系",
	"乳房外科":   "外科系",
	"外傷科":    "外科系",
	"婦產科":    "婦兒科系",
	"兒科":     "婦兒科系",
	"眼科":     "其他專科",
	"耳鼻喉科":   "其他專科",
	"牙科":     "其他專科",
	"復健科":    "其他專科",
	"皮膚科":    "其他專科",
	"中醫科":    "其他專科",
	"放射腫瘤科":  "其他專科",
}

type Scraper struct {
	client  *http.Client
	logger  *logger.Logger
	baseURL string
}

var _ scraper.Scraper = (*Scraper)(nil)

func New(timeout time.Duration, log *logger.Logger) *Scraper {
	return &Scraper{
		client:  &http.Client{Timeout: timeout},
		logger:  log.WithFields(map[string]interface{}{"scraper": HospitalCode}),
		baseURL: baseURL,
	}
}

func (s *Scraper) HospitalCode() string {
	return HospitalCode
}

// FetchDepartments reads the division index. Links into the children's
// hospital and single-doctor clinics point at separate registration systems
// and are skipped.
func (s *Scraper) FetchDepartments(ctx context.Context) ([]model.DepartmentData, error) {
	html, err := s.get(ctx, s.baseURL+"/find_division.php", nil)
	if err != nil {
		return nil, errors.UpstreamUnavailable(HospitalCode, err)
	}

	seen := make(map[string]bool)
	var departments []model.DepartmentData
	for _, m := range deptLinkRe.FindAllStringSubmatch(html, -1) {
		href, code := m[1], m[2]
		name := stripTags(m[3])
		if len([]rune(name)) < 2 || seen[code] {
			continue
		}
		if strings.Contains(href, "/child/") || strings.Contains(href, "register_single_doctor.php") {
			continue
		}
		seen[code] = true
		category := categorize(name)
		departments = append(departments, model.DepartmentData{
			Name:         name,
			Code:         code,
			HospitalCode: HospitalCode,
			Category:     &category,
			SortOrder:    len(departments),
		})
	}
	return departments, nil
}

// FetchSchedule fetches the department's register_divide.php page. The
// schedule grid there is rendered client-side and has not been reverse
// engineered yet, so no slots are produced.
// TODO: parse the register_divide.php AJAX backend once its request format
// is mapped, and emit DoctorSlot rows from it.
func (s *Scraper) FetchSchedule(ctx context.Context, deptCode string) ([]model.DoctorSlot, error) {
	if _, err := s.get(ctx, s.baseURL+"/register_divide.php", url.Values{"depid": {deptCode}}); err != nil {
		return nil, errors.UpstreamUnavailable(HospitalCode, err)
	}
	s.logger.Warn("schedule parsing not implemented for this hospital", "dept_code", deptCode)
	return nil, nil
}

// FetchClinicProgress queries progressstatus.php. The page renders one row
// per registered patient: first cell the patient number, second cell that
// patient's state (未看診, 看診中, 已看診...).
func (s *Scraper) FetchClinicProgress(ctx context.Context, room string, session model.SessionType) (*model.ClinicProgress, error) {
	html, err := s.get(ctx, s.baseURL+"/progressstatus.php", url.Values{
		"dept": {room},
		"ap":   {session.PeriodCode()},
	})
	if err != nil {
		return nil, errors.UpstreamUnavailable(HospitalCode, err)
	}

	tables := tableRe.FindAllStringSubmatch(html, -1)
	if len(tables) == 0 {
		return nil, nil
	}

	var (
		current int
		found   bool
		maxNum  int
		waiting []int64
		details model.QueueEntries
	)
	for _, table := range tables {
		for _, row := range rowRe.FindAllStringSubmatch(table[1], -1) {
			cells := cellRe.FindAllStringSubmatch(row[1], -1)
			if len(cells) < 2 {
				continue
			}
			numText := stripTags(cells[0][1])
			if !digitsRe.MatchString(numText) {
				continue
			}
			num, _ := strconv.Atoi(numText)
			state := stripTags(cells[1][1])
			details = append(details, model.QueueEntry{Number: num, Status: state})
			if num > maxNum {
				maxNum = num
			}
			if strings.Contains(state, "未看診") || strings.Contains(state, "等候") {
				waiting = append(waiting, int64(num))
			}
			if strings.Contains(state, "看診中") {
				current = num
				found = true
			}
		}
	}

	// Between calls nothing shows 看診中; the last already-called entry is
	// then the current number.
	if !found {
		for i := len(details) - 1; i >= 0; i-- {
			if !strings.Contains(details[i].Status, "未看診") {
				current = details[i].Number
				found = true
				break
			}
		}
	}

	status := pageStatus(stripTags(html))
	if !found && status == "" && len(details) == 0 {
		return nil, nil
	}
	if status == "" {
		status = model.SnapshotStatusInProgress
	}

	progress := &model.ClinicProgress{
		ClinicRoom:         room,
		SessionType:        session,
		CurrentNumber:      current,
		WaitingList:        waiting,
		ClinicQueueDetails: details,
		Status:             status,
	}
	if len(details) > 0 {
		registered := len(details)
		progress.TotalQuota = &maxNum
		progress.Registered = &registered
	}
	return progress, nil
}

func pageStatus(text string) model.SnapshotStatus {
	switch {
	case strings.Contains(text, "已停診"):
		return model.SnapshotStatusFinished
	case strings.Contains(text, "未開診") || strings.Contains(text, "尚未開始看診"):
		return model.SnapshotStatusNotStarted
	case strings.Contains(text, "看診完畢") || strings.Contains(text, "已結束看診"):
		return model.SnapshotStatusFinished
	}
	return ""
}

func categorize(name string) string {
	if c, ok := departmentCategories[name]; ok {
		return c
	}
	return "其他專科"
}

func (s *Scraper) get(ctx context.Context, rawURL string, params url.Values) (string, error) {
	target := rawURL
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBase * time.Duration(1<<(attempt-1))):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		setHeaders(req)

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

func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
