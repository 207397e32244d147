package stage

import (
	"context"
	"fmt"
)

// Sample performs one sample+control pass: read the sensor, convert, and in
// closed loop run the control law and drive the actuator. The stage lock is
// held for the whole pass.
//
// A conversion failure skips the pass and counts a sensor fault; the
// actuator keeps its last command.
func (st *Stage) Sample() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := st.sensor.ReadRaw()
	if err != nil {
		st.s.SensorFaults++
		return fmt.Errorf("read sensor: %w", err)
	}
	temp, err := st.conv.Convert(raw, st.s.Polyfit)
	if err != nil {
		st.s.SensorFaults++
		return fmt.Errorf("convert raw %#04x: %w", raw, err)
	}

	now := st.now()
	st.s.Temperature = temp
	st.s.Elapsed = now.Sub(st.last)
	st.s.LastSample = now.Sub(st.start)
	st.last = now
	st.s.Ticks++

	if st.s.Mode != ModeClosedLoop {
		return nil
	}
	out, err := st.loop.Step(temp, st.s.Setpoint, st.s.Elapsed)
	if err != nil {
		return err
	}
	st.s.Integral = st.loop.Integral
	st.s.Diagnostics = [3]float64{out.Proportional, out.Integral, out.Error}
	if err := st.actuator.SetLevel(out.Command); err != nil {
		return fmt.Errorf("set actuator: %w", err)
	}
	st.s.DAC = out.Command
	return nil
}

// Run starts the scheduler and serves submitted jobs and ticks until ctx is
// done. Jobs already waiting are served before a tick.
func (st *Stage) Run(ctx context.Context) error {
	st.sched.Start()
	defer st.sched.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-st.jobs:
			job()
		case <-st.sched.Ticks():
			st.drainJobs()
			if err := st.Sample(); err != nil {
				st.logger.Printf("sample: %v", err)
			}
		}
	}
}

func (st *Stage) drainJobs() {
	for {
		select {
		case job := <-st.jobs:
			job()
		default:
			return
		}
	}
}

// Submit runs fn on the Run loop and waits for it to finish. It blocks until
// Run accepts the job or ctx is done.
func (st *Stage) Submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case st.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}
