package eventbus

// Event types published on the bus.
const (
	BotExecuted = "bot.executed"
	BotError    = "bot.error"
	BotStopped  = "bot.stopped"

	FrameworkBotError = "framework.bot_error"

	AuthAuthenticated = "auth.authenticated"
	AuthRefreshed     = "auth.refreshed"
	AuthRefreshFailed = "auth.refresh_failed"
	AuthLoggedOut     = "auth.logged_out"

	SchedulerFired = "scheduler.fired"

	DiscoveryLoaded    = "discovery.loaded"
	DiscoveryLoadError = "discovery.load_error"
)
