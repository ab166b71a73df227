/*
Package resilience provides a circuit breaker for calls into collaborators the
runtime does not own, such as the storage provider.

# Usage

	breaker := resilience.New("storage", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsFailure: func(err error) bool {
			return errors.Is(err, storage.ErrBackend)
		},
	})

	err := breaker.Execute(func() error {
		_, err := provider.Clear(ctx, ext, area)
		return err
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open

Only errors classified by Settings.IsFailure count against the breaker, so a
burst of quota or validation errors from scripts cannot take storage offline.
*/
package resilience
