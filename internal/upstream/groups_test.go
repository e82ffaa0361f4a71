package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mireapprove/backend/internal/model"
)

// visitingLogPayload builds a GetAvailableVisitingLogsOfStudent response with
// one entry per (group, semester) pair.
func visitingLogPayload(entries ...[2]string) []byte {
	var payload []byte
	for _, e := range entries {
		group, semester := e[0], e[1]

		info := protowire.AppendTag(nil, 1, protowire.BytesType)
		info = protowire.AppendString(info, "log-uuid")
		info = protowire.AppendTag(info, 2, protowire.BytesType)
		info = protowire.AppendString(info, group)
		if semester != "" {
			sem := protowire.AppendTag(nil, 2, protowire.BytesType)
			sem = protowire.AppendString(sem, semester)
			info = protowire.AppendTag(info, 6, protowire.BytesType)
			info = protowire.AppendBytes(info, sem)
		}

		item := protowire.AppendTag(nil, 1, protowire.BytesType)
		item = protowire.AppendBytes(item, info)
		payload = protowire.AppendTag(payload, 1, protowire.BytesType)
		payload = protowire.AppendBytes(payload, item)
	}
	return payload
}

func TestGetGroupsOrdersBySemester(t *testing.T) {
	t.Parallel()

	payload := visitingLogPayload(
		[2]string{"ИКБО-01-23", "Осень 25-26"},
		[2]string{"ИКБО-01-23", "Весна 24-25"},
		[2]string{"ЭФБО-05-22", "Осень 23-24"},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, encodeFrame(payload))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	groups, err := c.GetGroups(context.Background(), []model.Cookie{
		{Name: ".AspNetCore.Cookies", Value: "tok"},
	}, "test-agent")
	require.NoError(t, err)

	// The repeated group moves behind the older one; the newest semester's
	// entry comes last.
	assert.Equal(t, []string{"ЭФБО-05-22", "ИКБО-01-23"}, groups)
}

func TestGroupsFromLogs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		logs []visitingLog
		want []string
	}{
		{
			name: "spring precedes autumn of the same academic year",
			logs: []visitingLog{
				{GroupName: "ИКБО-02-24", SemesterName: "Осень 25-26"},
				{GroupName: "ИКБО-01-23", SemesterName: "Весна 25-26"},
			},
			want: []string{"ИКБО-01-23", "ИКБО-02-24"},
		},
		{
			name: "non-group noise is dropped",
			logs: []visitingLog{
				{GroupName: "Факультатив", SemesterName: "Осень 25-26"},
				{GroupName: "ИКБО-01-23", SemesterName: "Осень 25-26"},
			},
			want: []string{"ИКБО-01-23"},
		},
		{
			name: "duplicate keeps the newest position",
			logs: []visitingLog{
				{GroupName: "ИКБО-01-23", SemesterName: "Осень 25-26"},
				{GroupName: "ЭФБО-05-22", SemesterName: "Весна 24-25"},
				{GroupName: "ИКБО-01-23", SemesterName: "Осень 23-24"},
			},
			want: []string{"ЭФБО-05-22", "ИКБО-01-23"},
		},
		{
			name: "no usable entries",
			logs: []visitingLog{{GroupName: "lecture", SemesterName: ""}},
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, groupsFromLogs(tc.logs))
		})
	}
}

func TestParseVisitingLogsSkipsBareEntries(t *testing.T) {
	t.Parallel()

	// An entry whose info wrapper is missing is ignored rather than failing
	// the whole feed.
	item := protowire.AppendTag(nil, 4, protowire.BytesType)
	item = protowire.AppendString(item, "human-uuid")
	payload := protowire.AppendTag(nil, 1, protowire.BytesType)
	payload = protowire.AppendBytes(payload, item)
	payload = append(payload, visitingLogPayload([2]string{"ИКБО-01-23", "Осень 25-26"})...)

	logs, err := parseVisitingLogs(payload)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ИКБО-01-23", logs[0].GroupName)
	assert.Equal(t, "Осень 25-26", logs[0].SemesterName)
}
