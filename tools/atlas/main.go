//go:generate go run ./main.go

package main

import (
	"fmt"
	"io"
	"os"

	"ariga.io/atlas-provider-gorm/gormschema"

	"github.com/jacktok/jacky-tracker/models"
)

// 給 atlas 的 external schema loader
// 把 gorm models 轉成 DDL 輸出到 stdout
func main() {
	stmts, err := gormschema.New("postgres").Load(
		&models.User{},
		&models.ProviderLink{},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load gorm schema: %v\n", err)
		os.Exit(1)
	}
	_, _ = io.WriteString(os.Stdout, stmts)
}
