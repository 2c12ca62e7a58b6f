package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
)

// Example catalog written by `generate-config`. The YU mint below is a
// placeholder; point it at the real mint before use.
const (
	exampleMonitors = `[
  {
    "id": "yuya_burn_10m",
    "enabled": true,
    "conjunction": "all",
    "severity": "critical",
    "conditions": [
      {
        "type": "token_burn",
        "mint": "YUmq1faxr1MUgyqqP5Dm5TERkarukLHFNwmxhUF6Puv",
        "min_amount": "10000000"
      }
    ],
    "actions": [
      { "type": "store", "collection": "large_burns" },
      { "type": "alert", "channel": "telegram", "template": "burn_alert", "severity": "critical" }
    ]
  },
  {
    "id": "yuya_burn_1m",
    "enabled": true,
    "conjunction": "all",
    "severity": "high",
    "conditions": [
      {
        "type": "token_burn",
        "mint": "YUmq1faxr1MUgyqqP5Dm5TERkarukLHFNwmxhUF6Puv",
        "min_amount": "1000000"
      }
    ],
    "actions": [
      { "type": "store", "collection": "medium_burns" }
    ]
  },
  {
    "id": "yu_jupiter_v6_large_swap",
    "enabled": true,
    "conjunction": "all",
    "severity": "high",
    "conditions": [
      {
        "type": "program_invoked",
        "program": "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
      },
      {
        "type": "token_transfer",
        "mint": "YUmq1faxr1MUgyqqP5Dm5TERkarukLHFNwmxhUF6Puv",
        "min_amount": "1000000"
      }
    ],
    "actions": [
      { "type": "store", "collection": "large_swaps" },
      { "type": "alert", "channel": "telegram", "template": "swap_alert", "severity": "high" }
    ]
  }
]
`

	exampleAlerts = `{
  "burn_alert": {
    "channel": "telegram",
    "template_body": "🔥 {{monitor_id}}: {{amount}} tokens of {{mint}} burned in slot {{slot}} (tx {{signature}})",
    "parameters": ["monitor_id", "amount", "mint", "slot", "signature"]
  },
  "swap_alert": {
    "channel": "telegram",
    "template_body": "{{monitor_id}}: swap of {{amount}} via {{program}} by {{fee_payer}} (tx {{signature}})",
    "parameters": ["monitor_id", "amount", "program", "fee_payer", "signature"]
  }
}
`

	exampleOptimization = `{
  "program_allowlist": [
    "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",
    "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
  ],
  "token_allowlist": [
    "YUmq1faxr1MUgyqqP5Dm5TERkarukLHFNwmxhUF6Puv"
  ],
  "max_concurrent_slots": 20
}
`
)

func runGenerateConfig(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("generate-config requires a target path", 2)
	}
	root := c.Args().First()
	for dir, files := range map[string]map[string]string{
		filepath.Join(root, "monitors"): {"example.json": exampleMonitors},
		filepath.Join(root, "alerts"):   {"example.json": exampleAlerts},
		root:                            {"optimization.json": exampleOptimization},
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		for name, content := range files {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("refusing to overwrite %s", path)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
		}
	}
	fmt.Printf("example catalog written to %s\n", root)
	return nil
}
