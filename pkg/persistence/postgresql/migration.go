package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create deployments table
			CREATE TABLE deployments (
				id VARCHAR(255) PRIMARY KEY,
				pipeline_name VARCHAR(255) NOT NULL,
				steps JSONB NOT NULL,
				run_config JSONB,
				version_hash VARCHAR(64) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_deployments_pipeline_name ON deployments(pipeline_name);
			CREATE INDEX idx_deployments_created_at ON deployments(created_at);

			-- Create runs table
			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				deployment_id VARCHAR(255) NOT NULL REFERENCES deployments(id),
				pipeline_name VARCHAR(255) NOT NULL,
				idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
				orchestrator_run_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- One run per submission: the idempotency key is unique within a deployment
			CREATE UNIQUE INDEX idx_runs_idempotency_key ON runs(deployment_id, idempotency_key) WHERE idempotency_key <> '';
			CREATE INDEX idx_runs_deployment_id ON runs(deployment_id);
			CREATE INDEX idx_runs_pipeline_name ON runs(pipeline_name);
			CREATE INDEX idx_runs_status ON runs(status);
			CREATE INDEX idx_runs_created_at ON runs(created_at);

			-- Create run_steps table (one record per step per run)
			CREATE TABLE run_steps (
				run_id VARCHAR(255) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				step_name VARCHAR(255) NOT NULL,
				pipeline_name VARCHAR(255) NOT NULL,
				upstream JSONB,
				status VARCHAR(50) NOT NULL,
				cache_key VARCHAR(64) NOT NULL DEFAULT '',
				output_refs JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				source_run_id VARCHAR(255) NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 1,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (run_id, step_name)
			);

			CREATE INDEX idx_run_steps_status ON run_steps(status);
		`,
		2: `
			-- Migration 2: stack profiles and cache reuse lookups

			CREATE TABLE stacks (
				id VARCHAR(255) PRIMARY KEY,
				backend VARCHAR(255) NOT NULL,
				config JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- Serves cache reuse: latest successful step run by pipeline and cache key
			CREATE INDEX idx_run_steps_cache_lookup ON run_steps(pipeline_name, cache_key, status);
		`,
	}
}
