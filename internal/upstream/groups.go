package upstream

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mireapprove/backend/internal/model"
)

// groupNamePattern matches academic group codes like "ИКБО-01-23".
var groupNamePattern = regexp.MustCompile(`^[А-ЯЁа-яё]{4}-\d{2}-\d{2}`)

// visitingLog is one entry of the visiting-log feed.
//
// GetAvailableVisitingLogsOfStudent response layout:
//
//	1 (repeated): log
//	  1: log info
//	    1: log uuid
//	    2: group name
//	    4: semester uuid
//	    6: semester info
//	      2: semester name ("Осень 25-26")
//	  4: human uuid
type visitingLog struct {
	GroupName    string
	SemesterName string
}

// GetGroups lists the academic groups of the session owner, ordered from the
// oldest semester to the newest. The last entry is the current group.
func (c *Client) GetGroups(ctx context.Context, cookies []model.Cookie, userAgent string) ([]string, error) {
	payload, err := c.GetVisitingLogs(ctx, cookies, userAgent)
	if err != nil {
		return nil, err
	}
	logs, err := parseVisitingLogs(payload)
	if err != nil {
		return nil, err
	}
	return groupsFromLogs(logs), nil
}

func parseVisitingLogs(payload []byte) ([]visitingLog, error) {
	var logs []visitingLog
	err := walkFields(payload, func(num protowire.Number, value []byte) error {
		if num != 1 {
			return nil
		}
		info, err := messageField(value, 1)
		if err != nil {
			// An entry without the info wrapper carries no group.
			return nil
		}
		var log visitingLog
		err = walkFields(info, func(n protowire.Number, v []byte) error {
			switch n {
			case 2:
				log.GroupName = string(v)
			case 6:
				if name, err := messageField(v, 2); err == nil {
					log.SemesterName = string(name)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if log.GroupName != "" {
			logs = append(logs, log)
		}
		return nil
	})
	return logs, err
}

// groupsFromLogs extracts unique group names, oldest semester first. A group
// that shows up again in a newer semester moves to the back, so the student's
// current group always sits last.
func groupsFromLogs(logs []visitingLog) []string {
	ordered := slices.Clone(logs)
	slices.SortStableFunc(ordered, func(a, b visitingLog) int {
		ay, as := semesterKey(a.SemesterName)
		by, bs := semesterKey(b.SemesterName)
		if ay != by {
			return ay - by
		}
		return as - bs
	})

	var groups []string
	for _, log := range ordered {
		if !groupNamePattern.MatchString(log.GroupName) {
			continue
		}
		if i := slices.Index(groups, log.GroupName); i >= 0 {
			groups = slices.Delete(groups, i, i+1)
		}
		groups = append(groups, log.GroupName)
	}
	return groups
}

// semesterKey orders semester names like "Осень 25-26" by the closing year of
// the academic year, with autumn newer than spring within the same year.
// Unparseable names sort first.
func semesterKey(name string) (year, season int) {
	parts := strings.Fields(name)
	if len(parts) > 1 {
		if _, tail, ok := strings.Cut(parts[1], "-"); ok {
			year, _ = strconv.Atoi(tail)
		}
	}
	if len(parts) > 0 && strings.EqualFold(parts[0], "Осень") {
		season = 1
	}
	return year, season
}
