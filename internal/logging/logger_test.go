package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLogging(t *testing.T) {
	Convey("Given a JSON logger writing to a buffer", t, func() {
		var buf bytes.Buffer
		Init(Config{Level: "warn", Format: "json", Output: &buf})
		Reset(func() { Init(Config{}) })

		Convey("Entries below the level are dropped", func() {
			Info().Msg("quiet")
			So(buf.String(), ShouldBeEmpty)
		})

		Convey("Entries at the level are written with fields", func() {
			Warn().Str("service", "api").Msg("loud")
			So(buf.String(), ShouldContainSubstring, `"service":"api"`)
			So(buf.String(), ShouldContainSubstring, `"message":"loud"`)
		})

		Convey("The slog adapter writes through zerolog", func() {
			NewSlogLogger("tree").Error("service failed", "name", "hub")
			So(buf.String(), ShouldContainSubstring, `"component":"tree"`)
			So(buf.String(), ShouldContainSubstring, `"name":"hub"`)
		})
	})

	Convey("ParseLevel defaults to info", t, func() {
		So(ParseLevel("bogus"), ShouldEqual, zerolog.InfoLevel)
		So(ParseLevel("WARNING"), ShouldEqual, zerolog.WarnLevel)
	})
}
