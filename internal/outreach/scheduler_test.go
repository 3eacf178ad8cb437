package outreach_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/outreach"
	"leadline/internal/quota"
	"leadline/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Scheduler *outreach.Scheduler
	Sender    *outreach.RecordingSender
	Clock     *time.Time
	Ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Outreach.SendSpacing = 0
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{Clock: &clock, Ctx: context.Background()}
	now := func() time.Time { return *env.Clock }

	eng := engine.New(conn, cfg)
	eng.Now = now
	eng.Audit.Now = now
	sender := &outreach.RecordingSender{}
	sched := outreach.NewScheduler(eng, quota.New(repo.Repo{DB: conn}, cfg), sender, cfg)
	sched.Now = now

	env.Engine = eng
	env.Scheduler = sched
	env.Sender = sender
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func approvedLead(t *testing.T, env *testEnv, name, email string) domain.Lead {
	t.Helper()
	l, err := env.Engine.Ingest(env.Ctx, engine.Candidate{BusinessName: name, Category: "plumber", Location: "Lyon"}, "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := env.Engine.StartAnalysis(env.Ctx, l.ID, "tester"); err != nil {
		t.Fatalf("start analysis: %v", err)
	}
	if _, err := env.Engine.CompleteAnalysis(env.Ctx, l.ID, engine.Analysis{Email: email, Tag: "no_website"}, "tester"); err != nil {
		t.Fatalf("complete analysis: %v", err)
	}
	l, err = env.Engine.Approve(env.Ctx, l.ID, "operator")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return l
}

func TestInitialSendAdvancesLead(t *testing.T) {
	env := newTestEnv(t)
	l := approvedLead(t, env, "Café Brunet", "contact@brunet.fr")

	rep, err := env.Scheduler.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("expected 1 send, got %+v", rep)
	}
	sent := env.Sender.Sent()
	if len(sent) != 1 || sent[0].To != "contact@brunet.fr" {
		t.Fatalf("unexpected deliveries: %+v", sent)
	}
	if !strings.Contains(sent[0].Body, "Café Brunet") {
		t.Fatalf("body must be personalized: %q", sent[0].Body)
	}
	got, _ := env.Engine.Repo.GetLead(env.Ctx, l.ID)
	if got.OutreachStatus != domain.OutreachSentInitial || got.LastContacted == nil {
		t.Fatalf("lead not advanced: %+v", got)
	}
}

func TestFollowupAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	l := approvedLead(t, env, "Garage Nord", "garage@example.com")

	if _, err := env.Scheduler.RunOnce(env.Ctx); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	// before the delay nothing is due
	env.advance(24 * time.Hour)
	rep, _ := env.Scheduler.RunOnce(env.Ctx)
	if rep.Sent != 0 {
		t.Fatalf("followup sent too early: %+v", rep)
	}
	env.advance(time.Duration(env.Scheduler.Config.Outreach.FollowupDelayDays) * 24 * time.Hour)
	rep, err := env.Scheduler.RunOnce(env.Ctx)
	if err != nil || rep.Sent != 1 {
		t.Fatalf("expected followup: %+v (%v)", rep, err)
	}
	got, _ := env.Engine.Repo.GetLead(env.Ctx, l.ID)
	if got.OutreachStatus != domain.OutreachSentFollowup {
		t.Fatalf("expected sent_followup, got %s", got.OutreachStatus)
	}
}

func TestRepliedLeadNeverContactedAgain(t *testing.T) {
	env := newTestEnv(t)
	l := approvedLead(t, env, "Fleuriste Est", "fleurs@example.com")

	if _, err := env.Scheduler.RunOnce(env.Ctx); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	if _, err := env.Engine.MarkReplied(env.Ctx, l.ID, "reply_detector"); err != nil {
		t.Fatalf("mark replied: %v", err)
	}
	env.advance(10 * 24 * time.Hour)
	rep, err := env.Scheduler.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Sent != 0 || len(env.Sender.Sent()) != 1 {
		t.Fatalf("replied lead must not be contacted again: %+v", rep)
	}
}

func TestQuotaStopsBatchMidway(t *testing.T) {
	env := newTestEnv(t)
	env.Scheduler.Config.Outreach.DailyLimit = 2
	env.Scheduler.Config.Outreach.HourlyLimit = 2
	for _, name := range []string{"A", "B", "C", "D"} {
		approvedLead(t, env, name, strings.ToLower(name)+"@example.com")
	}

	rep, err := env.Scheduler.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Sent != 2 || !rep.QuotaHit {
		t.Fatalf("expected 2 sends then quota stop, got %+v", rep)
	}
	if len(env.Sender.Sent()) != 2 {
		t.Fatalf("transport saw %d sends", len(env.Sender.Sent()))
	}
}

// gatingSender parks inside Send until released, so a test can hold one
// delivery on the wire while another is attempted.
type gatingSender struct {
	inner   *outreach.RecordingSender
	entered chan struct{}
	release chan struct{}
}

func (g *gatingSender) Send(ctx context.Context, to, subject, body string) error {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Send(ctx, to, subject, body)
}

func TestConcurrentSendsCannotExceedDailyLimit(t *testing.T) {
	env := newTestEnv(t)
	env.Scheduler.Config.Outreach.DailyLimit = 1
	first := approvedLead(t, env, "First", "first@example.com")
	second := approvedLead(t, env, "Second", "second@example.com")

	gate := &gatingSender{inner: env.Sender, entered: make(chan struct{}, 1), release: make(chan struct{})}
	env.Scheduler.Sender = gate

	done := make(chan error, 1)
	go func() {
		_, err := env.Scheduler.ProcessLead(env.Ctx, first.ID)
		done <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first send never reached the transport")
	}

	// the day's only slot is already claimed while the first delivery is
	// still on the wire
	sent, err := env.Scheduler.ProcessLead(env.Ctx, second.ID)
	if sent || !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("second send must be refused, got sent=%v err=%v", sent, err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if got := len(env.Sender.Sent()); got != 1 {
		t.Fatalf("transport delivered %d messages, want 1", got)
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	l := approvedLead(t, env, "Retry Shop", "retry@example.com")
	env.Sender.FailNext(1, errors.New("smtp 451 try later"))

	rep, _ := env.Scheduler.RunOnce(env.Ctx)
	if rep.Failed != 1 || rep.Sent != 0 {
		t.Fatalf("expected failed attempt: %+v", rep)
	}
	// backoff not yet elapsed
	rep, _ = env.Scheduler.RunOnce(env.Ctx)
	if rep.Sent != 0 {
		t.Fatalf("retry before backoff: %+v", rep)
	}
	env.advance(env.Scheduler.Config.BackoffFor(1) + time.Minute)
	rep, err := env.Scheduler.RunOnce(env.Ctx)
	if err != nil || rep.Sent != 1 {
		t.Fatalf("expected successful retry: %+v (%v)", rep, err)
	}
	msgs, _ := env.Engine.Repo.ListMessagesForLead(env.Ctx, l.ID)
	if len(msgs) != 1 || msgs[0].State != domain.MessageSent || msgs[0].Attempts != 2 {
		t.Fatalf("expected one message sent on attempt 2: %+v", msgs)
	}
}

func TestExhaustedRetriesMarkLeadFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Scheduler.Config.Outreach.MaxSendAttempts = 2
	l := approvedLead(t, env, "Dead Letter", "dead@example.com")
	env.Sender.FailNext(2, errors.New("smtp 550 mailbox unavailable"))

	for i := 0; i < 2; i++ {
		if _, err := env.Scheduler.RunOnce(env.Ctx); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		env.advance(2 * time.Hour)
	}
	got, _ := env.Engine.Repo.GetLead(env.Ctx, l.ID)
	if got.OutreachStatus != domain.OutreachFailed {
		t.Fatalf("expected outreach failed, got %s", got.OutreachStatus)
	}
	rep, _ := env.Scheduler.RunOnce(env.Ctx)
	if rep.Sent != 0 {
		t.Fatalf("failed lead must not be retried: %+v", rep)
	}
}
