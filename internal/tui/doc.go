// Package tui provides the terminal view used by the watch command.
//
// The view is read-only. It follows one job's event stream, keeps a live
// table of the job's tasks and scrolls an activity log. Users quit with
// 'q' or Ctrl+C; quitting the view never cancels the job.
//
// Usage:
//
//	view, _ := engine.GetJob(jobID)
//	events, _ := engine.Stream(ctx, jobID, 0)
//	program, model := tui.NewWatchProgram(view.Job, view.Tasks, events)
//	if _, err := program.Run(); err != nil {
//	    return err
//	}
//	fmt.Println(model.Status())
package tui
