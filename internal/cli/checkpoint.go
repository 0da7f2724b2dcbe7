package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/lsm/mixbridge/internal/checkpoint"
	"github.com/lsm/mixbridge/internal/config"
	"github.com/lsm/mixbridge/internal/mixpanel"
)

const checkpointUsage = `Usage: mixbridge checkpoint [-set YYYY-MM-DD] [path]

Prints the last committed position of the connector in the definition at
path (default: $MIXBRIDGE_CONFIG). With -set, commits the given position
instead.`

// RunCheckpoint shows or overwrites the committed checkpoint position.
func RunCheckpoint(args []string) error {
	var setTo string
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			fmt.Println(checkpointUsage)
			return nil
		case "-set", "--set":
			if i+1 >= len(args) {
				return fmt.Errorf("-set requires a date")
			}
			setTo = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}

	if setTo != "" {
		if _, err := time.Parse(mixpanel.DateLayout, setTo); err != nil {
			return fmt.Errorf("invalid position %q: expected YYYY-MM-DD", setTo)
		}
	}

	path := definitionPath(rest)
	def, err := config.NewLoader(path, nil).Load()
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if _, err := def.Validate(); err != nil {
		return fmt.Errorf("invalid definition %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := checkpoint.Open(ctx, def.CheckpointOptions(), nil)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	return showOrSet(ctx, store, def.Name, setTo)
}

func showOrSet(ctx context.Context, store checkpoint.Store, name, setTo string) error {
	if setTo != "" {
		cp := checkpoint.Checkpoint{Service: checkpoint.ServiceMixpanel, Position: setTo}
		if err := store.Commit(ctx, cp); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		fmt.Printf("%s: position set to %s\n", name, setTo)
		return nil
	}

	pos, ok, err := store.ReadPosition(ctx, checkpoint.ServiceMixpanel)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok {
		fmt.Printf("%s: no position committed\n", name)
		return nil
	}
	fmt.Printf("%s: %s\n", name, pos)
	return nil
}
