package configuration

// Scenario drives the selector simulator: jobs are tested and committed in
// order, the listed jobs finish, then reservations are planned against the
// remaining load.
type Scenario struct {
	Jobs         []JobSpec         `yaml:"jobs"`
	Finish       []string          `yaml:"finish"`
	Reservations []ReservationSpec `yaml:"reservations"`
}

type JobSpec struct {
	ID            string `yaml:"id"` // minted when empty
	Partition     string `yaml:"partition"`
	MinNodes      int    `yaml:"minNodes"`
	MaxNodes      int    `yaml:"maxNodes"`
	CPUsPerNode   int    `yaml:"cpusPerNode"`
	MemoryPerNode uint64 `yaml:"memoryPerNode"`
	WholeNode     bool   `yaml:"wholeNode"`
	Exclusive     bool   `yaml:"exclusive"`
	Contiguous    bool   `yaml:"contiguous"`
}

type ReservationSpec struct {
	Name       string `yaml:"name"`
	NodeCnt    int    `yaml:"nodeCnt"`
	CoreCnt    []int  `yaml:"coreCnt"`
	FirstCores bool   `yaml:"firstCores"`
}
