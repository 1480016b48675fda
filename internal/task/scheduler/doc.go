// Package scheduler owns the tick loop: once per tick it asks the job
// registry which jobs are due and hands each one to the execution engine.
//
// The scheduler decides when; internal/task/engine decides whether a slot is
// free and runs the handler. RunAllNow and RunOneNow bypass due-ness for
// one-shot runs.
package scheduler
