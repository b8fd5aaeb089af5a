package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindFlags registers every config-yaml / ORCH_-env-backed flag onto cmd's
// persistent flag set and binds each to v, following the defaults returned
// by Defaults(). Call once against the root command before Execute.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	d := Defaults()
	flags := cmd.PersistentFlags()

	flags.String("http-addr", d.HTTPAddr, "admin/health/worker listen address")
	flags.String("postgres-dsn", d.PostgresDSN, "durable store (PostgreSQL) connection string")
	flags.String("redis-addr", d.RedisAddr, "KV store (Redis) address")
	flags.String("redis-password", d.RedisPassword, "KV store password")
	flags.Int("redis-db", d.RedisDB, "KV store database index")
	flags.Duration("heartbeat-interval", d.HeartbeatInterval, "expected worker heartbeat period")
	flags.Duration("reaper-interval", d.ReaperInterval, "heartbeat reaper sweep cadence")
	flags.Duration("reaper-stale-after", d.ReaperStaleAfter, "worker silence before it is considered stale")
	flags.Duration("reaper-dead-after", d.ReaperDeadAfter, "worker silence before it is reaped")
	flags.Float64("allocator-tool-weight", d.AllocatorToolWeight, "allocator tool-match score weight")
	flags.Float64("allocator-resource-weight", d.AllocatorResourceWeight, "allocator resource-headroom score weight")
	flags.Float64("allocator-privacy-weight", d.AllocatorPrivacyWeight, "allocator privacy-match score weight")
	flags.Float64("allocator-min-score", d.AllocatorMinScore, "minimum allocator score to commit a pairing")
	flags.Int("executor-max-parallel", d.ExecutorMaxParallel, "max concurrently-dispatched nodes per workflow")
	flags.String("otel-service-name", d.OTelServiceName, "service name reported in traces and metrics")

	for _, name := range []string{
		"http-addr", "postgres-dsn", "redis-addr", "redis-password", "redis-db",
		"heartbeat-interval", "reaper-interval", "reaper-stale-after", "reaper-dead-after",
		"allocator-tool-weight", "allocator-resource-weight", "allocator-privacy-weight",
		"allocator-min-score", "executor-max-parallel", "otel-service-name",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return err
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskmesh")

	v.SetEnvPrefix("orch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	return nil
}
