package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"

	"polydev/internal/models"
)

var levelCycle = []models.LogLevel{models.LevelError, models.LevelWarn, models.LevelInfo, models.LevelDebug}

func appendCycle(s *Store, dir string, n int) {
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		err := s.Append(dir, models.LogEntry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     levelCycle[i%len(levelCycle)],
			Service:   "api",
			Message:   fmt.Sprintf("m%d", i),
		})
		So(err, ShouldBeNil)
	}
}

func messages(entries []models.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestAppendAndRead(t *testing.T) {
	Convey("Given a store and a service directory", t, func() {
		s := New(0, 0)
		dir := t.TempDir()

		Convey("Defaults follow the documented limits", func() {
			So(s.MaxFileSize, ShouldEqual, int64(10*1024*1024))
			So(s.MaxArchives, ShouldEqual, 10)
		})

		Convey("An append writes one JSON line to today's file", func() {
			So(s.Append(dir, models.LogEntry{Level: models.LevelWarn, Service: "api", Message: "hello",
				Data: map[string]interface{}{"k": "v"}}), ShouldBeNil)

			path := filepath.Join(dir, ".logs", time.Now().Format("2006-01-02")+".log")
			raw, err := os.ReadFile(path)
			So(err, ShouldBeNil)
			lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
			So(lines, ShouldHaveLength, 1)

			var decoded map[string]interface{}
			So(json.Unmarshal([]byte(lines[0]), &decoded), ShouldBeNil)
			So(decoded["level"], ShouldEqual, "warn")
			So(decoded["service"], ShouldEqual, "api")
			So(decoded["message"], ShouldEqual, "hello")
			So(decoded["data"], ShouldResemble, map[string]interface{}{"k": "v"})
		})

		Convey("Reading a directory without logs yields an empty slice", func() {
			entries, err := s.Read(dir, ReadOptions{})
			So(err, ShouldBeNil)
			So(entries, ShouldNotBeNil)
			So(entries, ShouldBeEmpty)
		})

		Convey("With levels [error,warn,info,debug] repeated", func() {
			appendCycle(s, dir, 12)

			Convey("tail applies after the level filter", func() {
				entries, err := s.Read(dir, ReadOptions{Level: models.LevelWarn, Tail: 2})
				So(err, ShouldBeNil)
				So(messages(entries), ShouldResemble, []string{"m8", "m9"})
			})

			Convey("tail alone returns the last lines", func() {
				entries, err := s.Read(dir, ReadOptions{Tail: 3})
				So(err, ShouldBeNil)
				So(messages(entries), ShouldResemble, []string{"m9", "m10", "m11"})
			})

			Convey("level error keeps only errors", func() {
				entries, err := s.Read(dir, ReadOptions{Level: models.LevelError})
				So(err, ShouldBeNil)
				So(messages(entries), ShouldResemble, []string{"m0", "m4", "m8"})
			})

			Convey("filter is a case-insensitive regular expression", func() {
				entries, err := s.Read(dir, ReadOptions{Filter: "^M1[01]$"})
				So(err, ShouldBeNil)
				So(messages(entries), ShouldResemble, []string{"m10", "m11"})
			})

			Convey("an invalid pattern falls back to substring matching", func() {
				So(s.Append(dir, models.LogEntry{Message: "oops (unbalanced"}), ShouldBeNil)
				entries, err := s.Read(dir, ReadOptions{Filter: "(UNBALANCED"})
				So(err, ShouldBeNil)
				So(messages(entries), ShouldResemble, []string{"oops (unbalanced"})
			})

			Convey("since drops older entries", func() {
				all, _ := s.Read(dir, ReadOptions{})
				entries, err := s.Read(dir, ReadOptions{Since: all[10].Timestamp})
				So(err, ShouldBeNil)
				So(messages(entries), ShouldResemble, []string{"m10", "m11"})
			})

			Convey("Clear removes every file", func() {
				So(s.Clear(dir), ShouldBeNil)
				entries, err := s.Read(dir, ReadOptions{})
				So(err, ShouldBeNil)
				So(entries, ShouldBeEmpty)
			})
		})

		Convey("Malformed and freeform lines are still read", func() {
			So(os.MkdirAll(Dir(dir), 0o755), ShouldBeNil)
			content := "{not json\n" +
				"\n" +
				"2024-03-01 10:00:00 WARN disk almost full\n"
			So(os.WriteFile(s.CurrentFile(dir), []byte(content), 0o644), ShouldBeNil)

			entries, err := s.Read(dir, ReadOptions{Service: "api"})
			So(err, ShouldBeNil)
			So(entries, ShouldHaveLength, 2)
			So(entries[0].Level, ShouldEqual, models.LevelInfo)
			So(entries[0].Message, ShouldEqual, "{not json")
			So(entries[1].Level, ShouldEqual, models.LevelWarn)
			So(entries[1].Timestamp, ShouldEqual, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
			So(entries[1].Service, ShouldEqual, "api")
		})

		Convey("A line over the size limit is skipped and later lines are kept", func() {
			ts := time.Now().UTC().Add(-time.Minute)
			So(s.Append(dir, models.LogEntry{Timestamp: ts, Level: models.LevelInfo, Service: "api", Message: "before"}), ShouldBeNil)
			So(s.Append(dir, models.LogEntry{Timestamp: ts.Add(time.Second), Level: models.LevelInfo, Service: "api", Message: "huge",
				Data: map[string]interface{}{"blob": strings.Repeat("x", 2*1024*1024)}}), ShouldBeNil)
			So(s.Append(dir, models.LogEntry{Timestamp: ts.Add(2 * time.Second), Level: models.LevelInfo, Service: "api", Message: "after-1"}), ShouldBeNil)
			So(s.Append(dir, models.LogEntry{Timestamp: ts.Add(3 * time.Second), Level: models.LevelInfo, Service: "api", Message: "after-2"}), ShouldBeNil)

			entries, err := s.Read(dir, ReadOptions{})
			So(err, ShouldBeNil)
			So(messages(entries), ShouldResemble, []string{"before", "after-1", "after-2"})
		})
	})
}

func TestEachLine(t *testing.T) {
	Convey("eachLine splits on newlines and skips lines over the limit", t, func() {
		input := "a\r\n" + strings.Repeat("y", 100) + "\nb\n\nc"
		var lines []string
		err := eachLine(strings.NewReader(input), 10, func(l []byte) { lines = append(lines, string(l)) })
		So(err, ShouldBeNil)
		So(lines, ShouldResemble, []string{"a", "b", "c"})
	})
}

func TestRotation(t *testing.T) {
	Convey("Given a store with a small size limit", t, func() {
		s := New(512, 10)
		dir := t.TempDir()
		current := s.CurrentFile(dir)

		appendUntilRotated := func() int {
			written := 0
			for {
				So(s.Append(dir, models.LogEntry{Message: strings.Repeat("x", 100)}), ShouldBeNil)
				written++
				if _, err := os.Stat(current); errors.Is(err, os.ErrNotExist) {
					return written
				}
				So(written, ShouldBeLessThan, 100)
			}
		}

		Convey("Exceeding the limit renames the file exactly once", func() {
			written := appendUntilRotated()
			archives, err := s.Archives(dir)
			So(err, ShouldBeNil)
			So(archives, ShouldHaveLength, 1)
			So(filepath.Base(archives[0]), ShouldStartWith, time.Now().Format("2006-01-02")+"-")

			raw, err := os.ReadFile(archives[0])
			So(err, ShouldBeNil)
			So(strings.Count(string(raw), "\n"), ShouldEqual, written)

			Convey("and the next append starts a fresh file", func() {
				So(s.Append(dir, models.LogEntry{Message: "after"}), ShouldBeNil)
				entries, err := s.Read(dir, ReadOptions{Tail: 1})
				So(err, ShouldBeNil)
				So(messages(entries), ShouldResemble, []string{"after"})
				archives, _ := s.Archives(dir)
				So(archives, ShouldHaveLength, 1)
			})
		})

		Convey("Eleven rotations keep the ten newest archives", func() {
			appendUntilRotated()
			first, _ := s.Archives(dir)
			So(first, ShouldHaveLength, 1)
			oldest := first[0]

			for i := 0; i < 10; i++ {
				appendUntilRotated()
			}
			archives, err := s.Archives(dir)
			So(err, ShouldBeNil)
			So(archives, ShouldHaveLength, 10)
			So(archives, ShouldNotContain, oldest)
			_, err = os.Stat(oldest)
			So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
		})
	})
}

func TestParseLine(t *testing.T) {
	Convey("ParseLine is total", t, func() {
		Convey("structured lines keep their fields", func() {
			e, ok := ParseLine(`{"timestamp":"2025-01-02T03:04:05Z","level":"ERROR","service":"py","message":"boom","data":{"code":1}}`, "x")
			So(ok, ShouldBeTrue)
			So(e.Level, ShouldEqual, models.LevelError)
			So(e.Service, ShouldEqual, "py")
			So(e.Message, ShouldEqual, "boom")
			So(e.Timestamp, ShouldEqual, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
			So(e.Data["code"], ShouldEqual, float64(1))
		})

		Convey("pino numeric levels are understood", func() {
			e, ok := ParseLine(`{"level":40,"time":1700000000000,"msg":"slow"}`, "web")
			So(ok, ShouldBeTrue)
			So(e.Level, ShouldEqual, models.LevelWarn)
			So(e.Message, ShouldEqual, "slow")
			So(e.Timestamp, ShouldEqual, time.UnixMilli(1700000000000).UTC())
		})

		Convey("free text without markers defaults to info now", func() {
			before := time.Now().Add(-time.Second)
			e, ok := ParseLine("listening on 3000", "web")
			So(ok, ShouldBeTrue)
			So(e.Level, ShouldEqual, models.LevelInfo)
			So(e.Timestamp.After(before), ShouldBeTrue)
		})

		Convey("blank lines are not entries", func() {
			_, ok := ParseLine("   ", "web")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestMerge(t *testing.T) {
	Convey("Merge orders entries across services by timestamp", t, func() {
		t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		a := []models.LogEntry{{Timestamp: t0, Message: "a0"}, {Timestamp: t0.Add(2 * time.Second), Message: "a2"}}
		b := []models.LogEntry{{Timestamp: t0.Add(time.Second), Message: "b1"}}
		So(messages(Merge(a, b)), ShouldResemble, []string{"a0", "b1", "a2"})
	})

	Convey("ReadAll merges services and tails the merged result", t, func() {
		s := New(0, 0)
		api, web := t.TempDir(), t.TempDir()
		base := time.Now().UTC().Add(-time.Minute)
		for i := 0; i < 3; i++ {
			So(s.Append(api, models.LogEntry{Timestamp: base.Add(time.Duration(2*i) * time.Second), Level: models.LevelInfo, Service: "api", Message: fmt.Sprintf("api%d", i)}), ShouldBeNil)
			So(s.Append(web, models.LogEntry{Timestamp: base.Add(time.Duration(2*i+1) * time.Second), Level: models.LevelInfo, Service: "web", Message: fmt.Sprintf("web%d", i)}), ShouldBeNil)
		}

		got := s.ReadAll([]Source{{Service: "api", Dir: api}, {Service: "web", Dir: web}}, ReadOptions{Tail: 3})
		So(messages(got), ShouldResemble, []string{"web1", "api2", "web2"})

		empty := s.ReadAll([]Source{{Service: "none", Dir: t.TempDir()}}, ReadOptions{})
		So(empty, ShouldNotBeNil)
		So(empty, ShouldBeEmpty)
	})
}

func TestLoggerIngest(t *testing.T) {
	Convey("Given a service logger", t, func() {
		s := New(0, 0)
		dir := t.TempDir()
		l := s.Logger(dir, "api")

		Convey("stderr without a level marker is an error", func() {
			l.Ingest("stderr", "something broke")
			l.Ingest("stdout", "ready")
			l.Ingest("stderr", "INFO: Uvicorn running")
			entries, err := s.Read(dir, ReadOptions{})
			So(err, ShouldBeNil)
			So(entries, ShouldHaveLength, 3)
			So(entries[0].Level, ShouldEqual, models.LevelError)
			So(entries[1].Level, ShouldEqual, models.LevelInfo)
			So(entries[2].Level, ShouldEqual, models.LevelInfo)
			So(entries[0].Data["stream"], ShouldEqual, "stderr")
		})

		Convey("Log failures are swallowed", func() {
			blocked := filepath.Join(dir, "file")
			So(os.WriteFile(blocked, []byte("x"), 0o644), ShouldBeNil)
			So(func() { s.Logger(blocked, "api").Log(models.LevelInfo, "lost", nil) }, ShouldNotPanic)
		})
	})
}

func TestParseSince(t *testing.T) {
	Convey("ParseSince", t, func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		got, err := ParseSince("2026-03-01T10:00:00Z", now)
		So(err, ShouldBeNil)
		So(got.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)), ShouldBeTrue)

		got, err = ParseSince("15m", now)
		So(err, ShouldBeNil)
		So(got.Equal(now.Add(-15*time.Minute)), ShouldBeTrue)

		got, err = ParseSince("2026-02-28", now)
		So(err, ShouldBeNil)
		So(got.Format("2006-01-02"), ShouldEqual, "2026-02-28")

		got, err = ParseSince("", now)
		So(err, ShouldBeNil)
		So(got.IsZero(), ShouldBeTrue)

		_, err = ParseSince("yesterday", now)
		So(err, ShouldNotBeNil)
	})
}
