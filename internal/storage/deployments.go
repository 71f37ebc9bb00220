package storage

import (
	"database/sql"
	"strings"
)

// InsertDeployment stores a deployment. The user wallet is lowercased on
// the way in so lookups are case-insensitive.
func (d *DB) InsertDeployment(dep *Deployment) error {
	if dep.CreatedAt == 0 {
		dep.CreatedAt = Now()
	}
	dep.UserWallet = strings.ToLower(dep.UserWallet)
	_, err := d.db.Exec(`
		INSERT INTO deployments
		(id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled,
		 enabled_venues, profit_receiver, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.AgentID, dep.UserWallet, dep.SafeWallet, dep.Status,
		boolToInt(dep.SubActive), boolToInt(dep.ModuleEnabled),
		joinVenues(dep.EnabledVenues), dep.ProfitReceiver, dep.CreatedAt)
	return err
}

// GetDeployment retrieves a deployment by id. Returns (nil, nil) when absent.
func (d *DB) GetDeployment(id string) (*Deployment, error) {
	row := d.db.QueryRow(deploymentSelect+` WHERE id = ?`, id)
	return scanDeployment(row)
}

// ActiveDeploymentsForAgent returns ACTIVE deployments subscribed to the
// agent, newest first.
func (d *DB) ActiveDeploymentsForAgent(agentID string) ([]*Deployment, error) {
	rows, err := d.db.Query(deploymentSelect+`
		WHERE agent_id = ? AND status = ? AND sub_active = 1
		ORDER BY created_at DESC`, agentID, DeploymentActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// AllActiveDeployments returns every ACTIVE deployment, newest first.
func (d *DB) AllActiveDeployments() ([]*Deployment, error) {
	rows, err := d.db.Query(deploymentSelect+`
		WHERE status = ? AND sub_active = 1 ORDER BY created_at DESC`, DeploymentActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// UpdateDeploymentStatus transitions a deployment's status.
func (d *DB) UpdateDeploymentStatus(id, status string) error {
	_, err := d.db.Exec(`UPDATE deployments SET status = ? WHERE id = ?`, status, id)
	return err
}

const deploymentSelect = `
	SELECT id, agent_id, user_wallet, safe_wallet, status, sub_active, module_enabled,
	       enabled_venues, profit_receiver, created_at
	FROM deployments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	var dep Deployment
	var subActive, moduleEnabled int
	var venues string
	err := row.Scan(&dep.ID, &dep.AgentID, &dep.UserWallet, &dep.SafeWallet, &dep.Status,
		&subActive, &moduleEnabled, &venues, &dep.ProfitReceiver, &dep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dep.SubActive = subActive != 0
	dep.ModuleEnabled = moduleEnabled != 0
	dep.EnabledVenues = splitVenues(venues)
	return &dep, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
