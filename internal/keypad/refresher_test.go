package keypad

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/xmidt-org/chronon"

	"github.com/nugget/keypresence/internal/config"
)

// syncBuffer is a bytes.Buffer safe for the refresher goroutine to
// log into while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type RefresherTestSuite struct {
	suite.Suite
}

// refresherFixture is built fresh for each test and never reassigned,
// so condition goroutines left behind by Eventually or Never only ever
// see their own test's LEDs.
type refresherFixture struct {
	clock *chronon.FakeClock
	leds  *fakeLEDs
	logs  *syncBuffer
	ctx   context.Context
}

func (suite *RefresherTestSuite) fixture() *refresherFixture {
	ctx, cancel := context.WithCancel(context.Background())
	suite.T().Cleanup(cancel)
	return &refresherFixture{
		clock: chronon.NewFakeClock(time.Now()),
		leds:  &fakeLEDs{},
		logs:  &syncBuffer{},
		ctx:   ctx,
	}
}

func (f *refresherFixture) newRefresher(rate int, level slog.Level) *Refresher {
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	return NewRefresher(NewIndicator(f.leds), rate, f.clock, logger)
}

func (f *refresherFixture) shows() int {
	_, n := f.leds.snapshot()
	return n
}

func (f *refresherFixture) setShowErr(err error) {
	f.leds.mu.Lock()
	defer f.leds.mu.Unlock()
	f.leds.showErr = err
}

func (suite *RefresherTestSuite) TestDefaultRate() {
	f := suite.fixture()
	r := f.newRefresher(0, slog.LevelInfo)
	suite.Equal(time.Second/DefaultRefreshRate, r.Interval())
}

func (suite *RefresherTestSuite) TestRefreshesOnEveryTick() {
	f := suite.fixture()
	r := f.newRefresher(60, slog.LevelInfo)
	r.Start(f.ctx)

	for want := 1; want <= 3; want++ {
		f.clock.Add(r.Interval())
		suite.Eventually(func() bool { return f.shows() >= want },
			time.Second, time.Millisecond)
	}
}

func (suite *RefresherTestSuite) TestNoRefreshWithoutTick() {
	f := suite.fixture()
	r := f.newRefresher(60, slog.LevelInfo)
	r.Start(f.ctx)

	f.clock.Add(r.Interval() / 2)
	suite.Never(func() bool { return f.shows() > 0 },
		20*time.Millisecond, time.Millisecond)
}

func (suite *RefresherTestSuite) TestFramesLoggedAtTrace() {
	f := suite.fixture()
	r := f.newRefresher(60, config.LevelTrace)
	r.Start(f.ctx)

	f.clock.Add(r.Interval())
	suite.Eventually(func() bool {
		return strings.Contains(f.logs.String(), "level=TRACE msg=\"keypad frame pushed\"")
	}, time.Second, time.Millisecond)
}

func (suite *RefresherTestSuite) TestFramesNotLoggedAtDebug() {
	f := suite.fixture()
	r := f.newRefresher(60, slog.LevelDebug)
	r.Start(f.ctx)

	f.clock.Add(r.Interval())
	suite.Eventually(func() bool { return f.shows() >= 1 }, time.Second, time.Millisecond)
	suite.NotContains(f.logs.String(), "keypad frame pushed")
}

func (suite *RefresherTestSuite) TestFailureLoggedOnceThenRecovers() {
	f := suite.fixture()
	f.setShowErr(errors.New("spi write failed"))
	r := f.newRefresher(60, slog.LevelInfo)
	r.Start(f.ctx)

	for want := 1; want <= 3; want++ {
		f.clock.Add(r.Interval())
		suite.Eventually(func() bool { return f.shows() >= want },
			time.Second, time.Millisecond)
	}
	suite.Equal(1, strings.Count(f.logs.String(), "indicator refresh failed"))

	f.setShowErr(nil)
	f.clock.Add(r.Interval())
	suite.Eventually(func() bool {
		return strings.Contains(f.logs.String(), "indicator refresh recovered")
	}, time.Second, time.Millisecond)
}

func (suite *RefresherTestSuite) TestStopsOnCancel() {
	f := suite.fixture()
	ctx, cancel := context.WithCancel(f.ctx)
	r := NewRefresher(NewIndicator(f.leds), 60, f.clock,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := r.Start(ctx)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		suite.Fail("refresher did not stop after cancel")
	}
}

func TestRefresher(t *testing.T) {
	suite.Run(t, new(RefresherTestSuite))
}
