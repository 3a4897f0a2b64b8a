package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE task_graphs (
				id VARCHAR(255) PRIMARY KEY,
				experiment_id VARCHAR(255) NOT NULL DEFAULT '',
				workflow_name VARCHAR(255) NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_task_graphs_experiment_id ON task_graphs(experiment_id, created_at);
		`,
		2: `
			-- Append-only status log; seq preserves append order
			CREATE TABLE status_events (
				id VARCHAR(255) PRIMARY KEY,
				seq BIGSERIAL NOT NULL,
				event_type VARCHAR(64) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				experiment_id VARCHAR(255) NOT NULL DEFAULT '',
				worker_id VARCHAR(255) NOT NULL DEFAULT '',
				entity_kind VARCHAR(32) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				previous VARCHAR(32) NOT NULL DEFAULT '',
				new VARCHAR(32) NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				cause_task_id VARCHAR(255) NOT NULL DEFAULT '',
				metadata JSONB,
				ts TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_status_events_workflow ON status_events(workflow_id, seq);
		`,
	}
}
