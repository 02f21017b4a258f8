// Package logger provee un logger Zap singleton con scoping por contexto.
//
// # Decisiones
//
//   - Singleton: una sola instancia inicializada con Init() desde main.
//   - Context Scoping: cada request o tick de background puede llevar su propio
//     logger con campos (request_id, kid, feature) sin crear un core nuevo.
//   - Entornos: "dev" usa consola con colores, "prod" usa JSON.
//
// # Uso
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Logging.Level})
//	defer logger.Sync()
//
//	log := logger.From(ctx).With(logger.Component("keys.scheduler"))
//	log.Info("secondary promoted", logger.KID(kid))
package logger
