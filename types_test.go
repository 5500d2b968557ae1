package blockplan

import (
	"testing"
	"time"
)

func TestCommitReportCodec(t *testing.T) {
	started := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	in := &CommitReport{
		RunID: "01JRUNID",
		OK:    false,
		Error: "sfdisk failed",
		Executed: []ActionRecord{
			{Index: 0, Summary: "create format disklabel on vda", DeviceName: "vda", Status: "executed"},
			{Index: 1, Summary: "create device partition vda1", DeviceName: "vda1", Status: "failed", Error: "sfdisk failed"},
		},
		Pending: []ActionRecord{
			{Index: 2, Summary: "create format ext4 on vda1", DeviceName: "vda1", Status: "pending"},
		},
		Retries:    1,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}

	data, err := in.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out CommitReport
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.RunID != in.RunID || out.OK != in.OK || out.Retries != 1 {
		t.Fatalf("roundtrip header = %+v", out)
	}
	if len(out.Executed) != 2 || len(out.Pending) != 1 {
		t.Fatalf("roundtrip records = %d executed, %d pending", len(out.Executed), len(out.Pending))
	}
	if out.Executed[1].Status != "failed" || out.Executed[1].Error == "" {
		t.Fatalf("failed record = %+v", out.Executed[1])
	}
	if !out.StartedAt.Equal(in.StartedAt) {
		t.Fatalf("started at = %v, want %v", out.StartedAt, in.StartedAt)
	}
}
