package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/theCapypara/field-monitor-sub000/pkg/adapter"
)

// runSession spawns a driver, attaches the local terminal to it and maps the
// session outcome onto the command's exit status.
func runSession(driverPath string, extraArgs []string) error {
	sess, err := adapter.Start(driverPath, extraArgs, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := adapter.NewTerminal(sess).Attach(context.Background()); err != nil {
		return err
	}

	select {
	case <-sess.Done():
	default:
		// The user detached while the driver was still alive. The deferred
		// Close kills it; there is no result to collect.
		logger.Info().Msg("detached, terminating console driver")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.Result(ctx)
	if err != nil {
		return err
	}
	if res.Failure {
		return fmt.Errorf("console session failed: %s", res.Message)
	}
	logger.Info().Str("message", res.Message).Msg("console session ended")
	return nil
}
