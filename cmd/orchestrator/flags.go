package main

import (
	"time"

	"github.com/scigateway/orchestrator/pkg/compiler"
	"github.com/scigateway/orchestrator/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

func persistenceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Persistence URL (file://, postgres://, redis://)",
			Value:   "file://./data",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
	}
}

func eventBusFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
	}
}

func boundaryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "catalog-path",
			Usage:   "Catalog YAML file or directory",
			Value:   "./catalog",
			Sources: cli.EnvVars("CATALOG_PATH"),
		},
		&cli.StringFlag{
			Name:    "catalog-outputs-path",
			Usage:   "File receiving recorded task outputs of a file catalog",
			Sources: cli.EnvVars("ORCHESTRATOR_CATALOG_OUTPUTS_PATH"),
		},
		&cli.StringFlag{
			Name:    "catalog-url",
			Usage:   "Base URL of a remote registry service, overrides catalog-path",
			Sources: cli.EnvVars("ORCHESTRATOR_CATALOG_URL"),
		},
		&cli.StringFlag{
			Name:    "credentials-url",
			Usage:   "Base URL of the credential store",
			Sources: cli.EnvVars("CREDENTIALS_URL"),
		},
		&cli.StringFlag{
			Name:    "authz-url",
			Usage:   "Base URL of the policy decision point",
			Sources: cli.EnvVars("ORCHESTRATOR_AUTHZ_URL"),
		},
		&cli.DurationFlag{
			Name:    "remote-timeout",
			Usage:   "Timeout of calls to remote services",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("ORCHESTRATOR_REMOTE_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "catalog-retries",
			Usage:   "Retries of transient registry failures",
			Value:   4,
			Sources: cli.EnvVars("ORCHESTRATOR_CATALOG_RETRIES"),
		},
	}
}

func providerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "batch-scheduler",
			Usage:   "Default batch scheduler dialect (slurm, pbs)",
			Value:   "slurm",
			Sources: cli.EnvVars("ORCHESTRATOR_BATCH_SCHEDULER"),
		},
		&cli.StringFlag{
			Name:    "aws-region",
			Usage:   "AWS region of cloud hosts, cloud hosts are disabled when empty",
			Sources: cli.EnvVars("AWS_REGION"),
		},
		&cli.StringFlag{
			Name:    "aws-access-key-id",
			Usage:   "AWS access key, the default credential chain applies when empty",
			Sources: cli.EnvVars("AWS_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "aws-secret-access-key",
			Usage:   "AWS secret key",
			Sources: cli.EnvVars("AWS_SECRET_ACCESS_KEY"),
		},
	}
}

func policyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "failure-threshold",
			Usage:   "Failed tasks tolerated before the remaining tasks are skipped (0 disables)",
			Value:   compiler.DefaultFailureThreshold,
			Sources: cli.EnvVars("ORCHESTRATOR_FAILURE_THRESHOLD"),
		},
		&cli.DurationFlag{
			Name:    "job-expiry",
			Usage:   "How long finished workflows are kept in memory",
			Value:   compiler.DefaultJobExpiry,
			Sources: cli.EnvVars("ORCHESTRATOR_JOB_EXPIRY"),
		},
		&cli.DurationFlag{
			Name:    "task-timeout",
			Usage:   "Default timeout of one task attempt",
			Value:   compiler.DefaultTimeoutPerTask,
			Sources: cli.EnvVars("ORCHESTRATOR_TASK_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "Default attempts per task",
			Value:   compiler.DefaultMaxAttemptsPerTask,
			Sources: cli.EnvVars("ORCHESTRATOR_MAX_ATTEMPTS"),
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Concurrent tasks per workflow",
			Value:   compiler.DefaultNumConcurrentTasksPerInstance,
			Sources: cli.EnvVars("ORCHESTRATOR_CONCURRENCY"),
		},
		&cli.DurationFlag{
			Name:    "retry-interval",
			Usage:   "Initial backoff between task attempts",
			Value:   scheduler.DefaultRetryInterval,
			Sources: cli.EnvVars("ORCHESTRATOR_RETRY_INTERVAL"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, group := range groups {
		flags = append(flags, group...)
	}

	return flags
}
