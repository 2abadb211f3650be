package headerchain

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Checkpoint is a trusted (height, hash) pair. Headers at or below the highest
// checkpoint are accepted on linkage alone.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns a human readable form of the checkpoint.
func (c Checkpoint) String() string {
	return fmt.Sprintf("%d:%v", c.Height, c.Hash)
}

// CheckpointsFromParams returns the checkpoints compiled into the network
// parameters, preceded by the genesis block.
func CheckpointsFromParams(params *chaincfg.Params) []Checkpoint {
	cps := make([]Checkpoint, 0, len(params.Checkpoints)+1)
	cps = append(cps, Checkpoint{
		Height: 0,
		Hash:   *params.GenesisHash,
	})

	for _, cp := range params.Checkpoints {
		cps = append(cps, Checkpoint{
			Height: cp.Height,
			Hash:   *cp.Hash,
		})
	}

	return cps
}

// LoadCheckpoints decodes a checkpoint list in the JSON form
// [["<hash>", <height>], ...] and validates it.
func LoadCheckpoints(r io.Reader) ([]Checkpoint, error) {
	var raw [][]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpointData, err)
	}

	cps := make([]Checkpoint, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 2 {
			return nil, fmt.Errorf("%w: entry %d has %d fields",
				ErrCorruptCheckpointData, i, len(entry))
		}

		var (
			hashStr string
			height  int32
		)
		if err := json.Unmarshal(entry[0], &hashStr); err != nil {
			return nil, fmt.Errorf("%w: entry %d hash: %v",
				ErrCorruptCheckpointData, i, err)
		}
		if err := json.Unmarshal(entry[1], &height); err != nil {
			return nil, fmt.Errorf("%w: entry %d height: %v",
				ErrCorruptCheckpointData, i, err)
		}

		hash, err := chainhash.NewHashFromStr(hashStr)
		if err != nil || len(hashStr) != chainhash.MaxHashStringSize {
			return nil, fmt.Errorf("%w: entry %d has malformed "+
				"hash %q", ErrCorruptCheckpointData, i, hashStr)
		}

		cps = append(cps, Checkpoint{Height: height, Hash: *hash})
	}

	if err := ValidateCheckpoints(cps); err != nil {
		return nil, err
	}

	return cps, nil
}

// LoadCheckpointFile reads and validates the checkpoint file at path.
func LoadCheckpointFile(path string) ([]Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open checkpoint file: %w", err)
	}
	defer f.Close()

	return LoadCheckpoints(f)
}

// ValidateCheckpoints checks that heights are non-negative and strictly
// increasing, which also rules out duplicates.
func ValidateCheckpoints(cps []Checkpoint) error {
	for i, cp := range cps {
		if cp.Height < 0 {
			return fmt.Errorf("%w: negative height %d",
				ErrCorruptCheckpointData, cp.Height)
		}

		if cp.Hash == (chainhash.Hash{}) {
			return fmt.Errorf("%w: zero hash at height %d",
				ErrCorruptCheckpointData, cp.Height)
		}

		if i == 0 {
			continue
		}

		prev := cps[i-1]
		switch {
		case cp.Height == prev.Height:
			return fmt.Errorf("%w: duplicate height %d",
				ErrCorruptCheckpointData, cp.Height)

		case cp.Height < prev.Height:
			return fmt.Errorf("%w: height %d follows %d",
				ErrCorruptCheckpointData, cp.Height,
				prev.Height)
		}
	}

	return nil
}

// EncodeCheckpoints writes the checkpoints in the same JSON form
// LoadCheckpoints reads.
func EncodeCheckpoints(w io.Writer, cps []Checkpoint) error {
	raw := make([][2]any, 0, len(cps))
	for _, cp := range cps {
		raw = append(raw, [2]any{cp.Hash.String(), cp.Height})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(raw)
}

// normalizeCheckpoints makes the genesis block an explicit checkpoint. A
// checkpoint at height zero that names a different block is corrupt data.
func normalizeCheckpoints(params *chaincfg.Params,
	cps []Checkpoint) ([]Checkpoint, error) {

	if err := ValidateCheckpoints(cps); err != nil {
		return nil, err
	}

	genesis := Checkpoint{Height: 0, Hash: *params.GenesisHash}
	if len(cps) > 0 && cps[0].Height == 0 {
		if cps[0].Hash != genesis.Hash {
			return nil, fmt.Errorf("%w: height 0 checkpoint %v is "+
				"not the genesis block %v",
				ErrCorruptCheckpointData, cps[0].Hash,
				genesis.Hash)
		}

		return cps, nil
	}

	out := make([]Checkpoint, 0, len(cps)+1)
	out = append(out, genesis)

	return append(out, cps...), nil
}
