package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL DEFAULT 1,
				active BOOLEAN NOT NULL DEFAULT false,
				trigger_clauses JSONB NOT NULL DEFAULT '[]',
				nodes JSONB NOT NULL DEFAULT '{}',
				entry_node_id VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flows_tenant_active ON flows(tenant_id, active);
			CREATE INDEX idx_flows_created_at ON flows(created_at);
		`,
		2: `
			CREATE TABLE flow_instances (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				contact_id VARCHAR(255) NOT NULL,
				flow_id VARCHAR(255) NOT NULL,
				flow_version INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'waiting_for_reply', 'completed', 'failed')),
				current_node_id VARCHAR(255) NOT NULL DEFAULT '',
				waiting_since TIMESTAMP WITH TIME ZONE,
				timeout_at TIMESTAMP WITH TIME ZONE,
				variables JSONB NOT NULL DEFAULT '{}',
				last_inbound JSONB,
				failure_reason VARCHAR(50) NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				version BIGINT NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			-- At most one active instance per (tenant, contact, flow).
			CREATE UNIQUE INDEX uq_flow_instances_active
				ON flow_instances(tenant_id, contact_id, flow_id)
				WHERE status IN ('running', 'waiting_for_reply');

			CREATE INDEX idx_flow_instances_contact ON flow_instances(tenant_id, contact_id);
			CREATE INDEX idx_flow_instances_timeout ON flow_instances(timeout_at) WHERE status = 'waiting_for_reply';
		`,
	}
}
