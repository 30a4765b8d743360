// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"family-care-go/internal/model"

	"gorm.io/gorm"
)

// UserRepository 接口定义了用户与家庭关系数据的持久化操作。
type UserRepository interface {
	Create(user *model.User) error
	FindByEmail(email string) (*model.User, error)
	FindByID(userID uint) (*model.User, error)
	FindByIDs(userIDs []uint) ([]model.User, error)
	FindFamilyMembers(patientID uint) ([]model.User, error)
	Update(user *model.User) error
	Delete(userID uint) error
}

// userRepository 是 UserRepository 接口的 GORM 实现。
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create 在数据库中创建一个新的用户记录。
func (r *userRepository) Create(user *model.User) error {
	return r.db.Create(user).Error
}

// FindByEmail 根据邮箱从数据库中查找一个用户。
func (r *userRepository) FindByEmail(email string) (*model.User, error) {
	var user model.User
	err := r.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID 根据用户 ID 从数据库中查找一个用户。
func (r *userRepository) FindByID(userID uint) (*model.User, error) {
	var user model.User
	err := r.db.First(&user, userID).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByIDs 批量查找用户，用于读侧投影。
func (r *userRepository) FindByIDs(userIDs []uint) ([]model.User, error) {
	var users []model.User
	if len(userIDs) == 0 {
		return users, nil
	}
	err := r.db.Where("id IN ?", userIDs).Find(&users).Error
	return users, err
}

// FindFamilyMembers 返回关联到指定患者的全部家庭成员，按创建顺序排列。
func (r *userRepository) FindFamilyMembers(patientID uint) ([]model.User, error) {
	var users []model.User
	err := r.db.Where("associated_patient_id = ? AND role = ?", patientID, model.RoleFamilyMember).
		Order("id ASC").
		Find(&users).Error
	return users, err
}

// Update 更新数据库中一个已存在的用户记录。
func (r *userRepository) Update(user *model.User) error {
	return r.db.Save(user).Error
}

// Delete 删除一个用户记录。
func (r *userRepository) Delete(userID uint) error {
	return r.db.Delete(&model.User{}, userID).Error
}
