package main

import (
	"log"
	"os"

	"wearext-be/internal/entity"
	"wearext-be/pkg/database"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Info: No .env file found, using system env")
	}

	dsn := os.Getenv("DB_CONNECTION_STRING")
	if dsn == "" {
		log.Fatal("Error: DB_CONNECTION_STRING is not set")
	}

	db, err := database.NewGormDBFromDSN(dsn)
	if err != nil {
		log.Fatal("Error: Failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&entity.Category{},
		&entity.Message{},
		&entity.ChildMessage{},
		&entity.MessagePlayback{},
	); err != nil {
		log.Fatal("Error: Migration failed:", err)
	}

	color.Cyan("Seeding message catalog...")
	seedCategories(db)
	seedMessages(db)
	color.Green("Seeding completed!")
}

func seedCategories(db *gorm.DB) {
	// Three categories, one per physical button on the wearable.
	categories := []entity.Category{
		{Id: 1, Name: "Basic Needs", IsActive: true},
		{Id: 2, Name: "Feelings", IsActive: true},
		{Id: 3, Name: "Social", IsActive: true},
	}

	for _, c := range categories {
		var existing entity.Category
		if err := db.Where("id = ?", c.Id).First(&existing).Error; err == nil {
			color.Yellow("Category '%s' already exists, skipping...", c.Name)
			continue
		}
		if err := db.Create(&c).Error; err != nil {
			color.Red("Error creating category '%s': %v", c.Name, err)
		} else {
			color.Green("Created category: %s", c.Name)
		}
	}
}

func seedMessages(db *gorm.DB) {
	messages := []entity.Message{
		{Text: "I am hungry", CategoryId: 1, IsActive: true},
		{Text: "I am thirsty", CategoryId: 1, IsActive: true},
		{Text: "I need the bathroom", CategoryId: 1, IsActive: true},
		{Text: "I am happy", CategoryId: 2, IsActive: true},
		{Text: "I am sad", CategoryId: 2, IsActive: true},
		{Text: "I am tired", CategoryId: 2, IsActive: true},
		{Text: "Hello", CategoryId: 3, IsActive: true},
		{Text: "Thank you", CategoryId: 3, IsActive: true},
		{Text: "I want to play", CategoryId: 3, IsActive: true},
	}

	for _, m := range messages {
		var existing entity.Message
		if err := db.Where("text = ? AND category_id = ?", m.Text, m.CategoryId).First(&existing).Error; err == nil {
			color.Yellow("Message '%s' already exists, skipping...", m.Text)
			continue
		}
		if err := db.Create(&m).Error; err != nil {
			color.Red("Error creating message '%s': %v", m.Text, err)
		} else {
			color.Green("Created message: %s", m.Text)
		}
	}
}
