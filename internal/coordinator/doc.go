// Package coordinator sequences a backup run and guards it against overlap.
//
// A run moves through the phases
//
//	idle -> clearing -> backing-up -> publishing -> done
//
// and enters failed from whichever active phase returned an error. At most
// one run is active per Coordinator; triggers that arrive while a run is in
// progress are dropped with ErrRunInProgress rather than queued.
//
// Runs are started either once, synchronously, or on a cron schedule:
//
//	coord := coordinator.New(clearer, producer, publisher, dir)
//	sched, err := coordinator.ParseSchedule("0 0 * * * *", "Australia/Melbourne")
//	if err != nil {
//		return err
//	}
//	if err := coord.Start(ctx, sched); err != nil {
//		return err
//	}
//	<-ctx.Done()
//	return coord.Stop(context.Background())
package coordinator
