// Package bootstrap wires the collector together and manages its lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configPath)
//	if err != nil {
//	    return err
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    return err
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown()
package bootstrap
