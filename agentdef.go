package meshbind

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// agentDefinitionFile tolerates both the current and the legacy field name
// for the template's capability list
type agentDefinitionFile struct {
	AgentID       string   `yaml:"agent_id"`
	ServerConfigs []string `yaml:"server_configs"`
	MCPConfigs    []string `yaml:"mcp_configs"`
}

// LoadAgentDefinition reads an agent template's definition.yaml from the
// configured agents directory. Returns nil (no error) when the template
// file does not exist - an agent without a definition simply has no
// declared capabilities.
func LoadAgentDefinition(dir, agentID string) (*AgentDefinition, error) {
	if dir == "" || agentID == "" {
		return nil, nil
	}

	path := filepath.Join(dir, agentID, "definition.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agent definition %s: %w", path, err)
	}

	var file agentDefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent definition %s: %w", path, err)
	}

	def := &AgentDefinition{
		AgentID:       agentID,
		ServerConfigs: file.ServerConfigs,
	}
	if len(def.ServerConfigs) == 0 {
		def.ServerConfigs = file.MCPConfigs
	}
	return def, nil
}
