package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger kinds reported by JobInfo.
const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindDate     = "date"
)

// Trigger decides when a job is due. The set of implementations is closed:
// Cron, Interval and Date.
type Trigger interface {
	Kind() string
	Args() map[string]string

	compile(loc *time.Location) (schedule, error)
}

// schedule is a compiled trigger. first returns the initial fire time; next
// returns the fire time following a scheduled fire at prev, given the
// current time. ok=false means the trigger is exhausted.
type schedule interface {
	first(now time.Time) (t time.Time, ok bool)
	next(prev, now time.Time) (t time.Time, ok bool)
}

// Cron fires on calendar fields or on a raw cron expression.
//
// With named fields, fields coarser than the finest field set default to "*"
// and finer ones default to "0": Cron{Hour: "*"} fires every hour at :00:00.
// Expr takes 5 or 6 fields (seconds optional) or a descriptor such as
// "@hourly"; when set, the named fields are ignored.
type Cron struct {
	Month     string
	Day       string
	DayOfWeek string
	Hour      string
	Minute    string
	Second    string

	Expr string
}

var (
	fieldParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	exprParser  = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func (c Cron) Kind() string { return KindCron }

func (c Cron) Args() map[string]string {
	if e := strings.TrimSpace(c.Expr); e != "" {
		return map[string]string{"expr": e}
	}
	out := map[string]string{}
	for _, f := range c.fields() {
		if f.val != "" {
			out[f.name] = f.val
		}
	}
	return out
}

type cronField struct {
	name string
	val  string
}

// fields lists the named fields from coarsest to finest.
func (c Cron) fields() []cronField {
	return []cronField{
		{"month", strings.TrimSpace(c.Month)},
		{"day", strings.TrimSpace(c.Day)},
		{"day_of_week", strings.TrimSpace(c.DayOfWeek)},
		{"hour", strings.TrimSpace(c.Hour)},
		{"minute", strings.TrimSpace(c.Minute)},
		{"second", strings.TrimSpace(c.Second)},
	}
}

// Spec renders the trigger as a six-field cron expression
// "sec min hour dom month dow" after field resolution.
func (c Cron) Spec() string {
	if e := strings.TrimSpace(c.Expr); e != "" {
		return e
	}
	fs := c.fields()
	finest := -1
	for i, f := range fs {
		if f.val != "" {
			finest = i
		}
	}
	resolved := make(map[string]string, len(fs))
	for i, f := range fs {
		switch {
		case f.val != "":
			resolved[f.name] = f.val
		case i < finest || finest < 0:
			resolved[f.name] = "*"
		default:
			resolved[f.name] = "0"
		}
	}
	// Calendar fields have no "0" minimum; unset month/day/dow always mean every.
	for _, name := range []string{"month", "day", "day_of_week"} {
		if resolved[name] == "0" && fieldValue(fs, name) == "" {
			resolved[name] = "*"
		}
	}
	return strings.Join([]string{
		resolved["second"], resolved["minute"], resolved["hour"],
		resolved["day"], resolved["month"], resolved["day_of_week"],
	}, " ")
}

func fieldValue(fs []cronField, name string) string {
	for _, f := range fs {
		if f.name == name {
			return f.val
		}
	}
	return ""
}

func (c Cron) compile(loc *time.Location) (schedule, error) {
	var (
		sched cron.Schedule
		err   error
	)
	if e := strings.TrimSpace(c.Expr); e != "" {
		sched, err = exprParser.Parse(e)
	} else {
		sched, err = fieldParser.Parse(c.Spec())
	}
	if err != nil {
		return nil, fmt.Errorf("cron trigger: %w", err)
	}
	return cronSchedule{sched: sched, loc: loc}, nil
}

type cronSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s cronSchedule) first(now time.Time) (time.Time, bool) {
	return s.nextAfter(now)
}

func (s cronSchedule) next(_, now time.Time) (time.Time, bool) {
	// Missed occurrences coalesce: the next fire is computed from now.
	return s.nextAfter(now)
}

func (s cronSchedule) nextAfter(t time.Time) (time.Time, bool) {
	n := s.sched.Next(t.In(s.loc))
	return n, !n.IsZero()
}

// Interval fires every Every. The first fire is Start when it lies in the
// future, otherwise one period from now.
type Interval struct {
	Every time.Duration
	Start time.Time
}

func (i Interval) Kind() string { return KindInterval }

func (i Interval) Args() map[string]string {
	out := map[string]string{"seconds": strconv.FormatFloat(i.Every.Seconds(), 'f', -1, 64)}
	if !i.Start.IsZero() {
		out["start_date"] = i.Start.Format(time.RFC3339)
	}
	return out
}

func (i Interval) compile(*time.Location) (schedule, error) {
	if i.Every <= 0 {
		return nil, errors.New("interval trigger: every must be > 0")
	}
	return i, nil
}

func (i Interval) first(now time.Time) (time.Time, bool) {
	if !i.Start.IsZero() && i.Start.After(now) {
		return i.Start, true
	}
	return now.Add(i.Every), true
}

func (i Interval) next(prev, now time.Time) (time.Time, bool) {
	n := prev.Add(i.Every)
	if !n.After(now) {
		// Coalesce missed periods into the single run that just fired.
		missed := now.Sub(prev) / i.Every
		n = prev.Add((missed + 1) * i.Every)
	}
	return n, true
}

// Date fires once at At, immediately when At is already past.
type Date struct {
	At time.Time
}

func (d Date) Kind() string { return KindDate }

func (d Date) Args() map[string]string {
	return map[string]string{"run_date": d.At.Format(time.RFC3339)}
}

func (d Date) compile(*time.Location) (schedule, error) {
	if d.At.IsZero() {
		return nil, errors.New("date trigger: at is required")
	}
	return d, nil
}

func (d Date) first(time.Time) (time.Time, bool) { return d.At, true }

func (d Date) next(time.Time, time.Time) (time.Time, bool) { return time.Time{}, false }
